package websocket

import (
	"context"
	"crypto/md5"  //gosec:disable G501 // Required for HTTP Digest authentication.
	"crypto/rand" //gosec:disable G505 // Required by the WebSocket protocol.
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	wsVersion = "13"

	// maxHeaderBytes caps the size of one HTTP header block.
	maxHeaderBytes = 8 << 10

	// maxRedirects caps the client's redirect chain.
	maxRedirects = 10
)

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// acceptValue constructs the value of the "Sec-WebSocket-Accept"
// header for a given "Sec-WebSocket-Key", as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func acceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(strings.TrimSpace(key)))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Headers holds the HTTP headers of one handshake request or response.
// Names are case-sensitive, as sent on the wire; the values of
// duplicate headers are concatenated with ", ".
type Headers map[string]string

// Add records a header value, concatenating duplicates with ", ".
func (h Headers) Add(name, value string) {
	if prev, ok := h[name]; ok {
		h[name] = prev + ", " + value
		return
	}
	h[name] = value
}

// Get returns a header value by its exact, case-sensitive name.
func (h Headers) Get(name string) string {
	return h[name]
}

// readHeaderBlock reads one HTTP header block from the transport, up
// to and including the terminating CRLF CRLF, without consuming any
// byte beyond it. The transport is unbuffered, so this reads one byte
// at a time; handshakes happen once, this is fine.
func readHeaderBlock(t *Transport) (firstLine string, headers Headers, err error) {
	var raw []byte
	b := make([]byte, 1)

	for !strings.HasSuffix(string(raw), "\r\n\r\n") {
		if len(raw) >= maxHeaderBytes {
			return "", nil, handshakeError("HTTP header block exceeds %d bytes", maxHeaderBytes)
		}
		if err := t.readFull(b); err != nil {
			return "", nil, err
		}
		raw = append(raw, b[0])
	}

	lines := strings.Split(strings.TrimSuffix(string(raw), "\r\n\r\n"), "\r\n")
	headers = Headers{}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			continue
		}
		headers.Add(name, strings.TrimSpace(value))
	}

	return lines[0], headers, nil
}

// writeHeaderBlock sends an HTTP header block: the given lines,
// CRLF-separated and CRLF CRLF terminated.
func writeHeaderBlock(t *Transport, lines []string) error {
	return t.writeAll([]byte(strings.Join(lines, "\r\n") + "\r\n\r\n"))
}

// ServerHandshake receives and validates a client's opening handshake,
// and answers it, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.
//
// On any validation failure it sends an HTTP error response, closes
// the transport, and returns a [HandshakeError].
func (s *Socket) ServerHandshake(ctx context.Context) error {
	requestLine, headers, err := readHeaderBlock(s.transport)
	if err != nil {
		return err
	}

	location, ok := parseRequestLine(requestLine)
	if !ok {
		return s.failServer(400, "not a valid HTTP 1.1 GET request")
	}

	for _, name := range []string{"Host", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version"} {
		if _, ok := headers[name]; !ok {
			return s.failServer(400, "missing %q header", name)
		}
	}

	if v := headers.Get("Sec-WebSocket-Version"); v != wsVersion {
		return s.failServer(400, "WebSocket version %s requested (only %s is supported)", v, wsVersion)
	}
	if !containsValue(headers.Get("Upgrade"), "websocket") {
		return s.failServer(400, "%q header must contain %q", "Upgrade", "websocket")
	}
	if !containsValue(headers.Get("Connection"), "upgrade") {
		return s.failServer(400, "%q header must contain %q", "Connection", "Upgrade")
	}

	origin, err := s.checkOrigin(headers)
	if err != nil {
		return err
	}

	if len(s.config.AllowedLocations) > 0 && !contains(s.config.AllowedLocations, location) {
		return s.failServer(403, "untrusted location %q", location)
	}

	if s.config.Authorize != nil {
		if err := s.config.Authorize(headers); err != nil {
			return s.failServer(401, "unauthorized request: %v", err)
		}
	}

	// Only a subprotocol supported by both sides can be chosen.
	for proto := range splitStripped(headers.Get("Sec-WebSocket-Protocol"), ",") {
		if contains(s.config.Protocols, proto) {
			s.protocol = proto
			break
		}
	}

	offers := parseExtensionHeader(headers.Get("Sec-WebSocket-Extensions"))
	accepted, params := negotiateExtensions(offers, s.config.Extensions)
	if err := s.installExtensions(accepted, params); err != nil {
		return s.failServer(500, "%v", err)
	}

	scheme := "ws"
	if s.transport.Secure() {
		scheme = "wss"
	}

	response := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"WebSocket-Origin: " + origin,
		fmt.Sprintf("WebSocket-Location: %s://%s%s", scheme, headers.Get("Host"), location),
		"Sec-WebSocket-Accept: " + acceptValue(headers.Get("Sec-WebSocket-Key")),
	}
	if s.protocol != "" {
		response = append(response, "Sec-WebSocket-Protocol: "+s.protocol)
	}
	if len(accepted) > 0 {
		response = append(response, "Sec-WebSocket-Extensions: "+formatExtensionHeader(accepted))
	}

	if err := writeHeaderBlock(s.transport, response); err != nil {
		return err
	}

	s.handshook = true
	s.logger.Debug("accepted WebSocket connection",
		slog.String("location", location), slog.String("subprotocol", s.protocol))
	return nil
}

// parseRequestLine matches "GET <location> HTTP/1.1" exactly.
func parseRequestLine(line string) (location string, ok bool) {
	location, found := strings.CutPrefix(line, "GET ")
	if !found {
		return "", false
	}
	location, found = strings.CutSuffix(location, " HTTP/1.1")
	if !found || location == "" || strings.Contains(location, " ") {
		return "", false
	}
	return location, true
}

// checkOrigin enforces the server's origin policy: a browser client
// (one that sends a "User-Agent") must declare its "Origin", and a
// non-empty trusted-origins list must contain it.
func (s *Socket) checkOrigin(headers Headers) (string, error) {
	origin, ok := headers["Origin"]
	if !ok {
		if _, ua := headers["User-Agent"]; ua {
			return "", s.failServer(403, "browser client must specify %q header", "Origin")
		}
		if len(s.config.TrustedOrigins) > 0 {
			return "", s.failServer(403, "no %q header specified, assuming untrusted", "Origin")
		}
		return "null", nil
	}

	if len(s.config.TrustedOrigins) > 0 && !contains(s.config.TrustedOrigins, origin) {
		return "", s.failServer(403, "untrusted origin %q", origin)
	}
	return origin, nil
}

// failServer sends a minimal HTTP error response, closes the
// transport, and reports the failure as a [HandshakeError].
func (s *Socket) failServer(status int, format string, a ...any) error {
	err := handshakeError(format, a...)

	body := err.Reason + "\n"
	_ = s.transport.writeAll([]byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, httpStatusText(status), len(body), body)))
	_ = s.transport.Close()

	s.logger.Warn("rejected WebSocket handshake", slog.Any("error", err))
	return err
}

func httpStatusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	default:
		return "Internal Server Error"
	}
}

// ClientHandshake sends a client's opening handshake and processes the
// server's response, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1. It
// follows up to 10 redirects (reconnecting if the host changed), and
// answers one HTTP 401 challenge with Basic or Digest authentication
// if [Config.Auth] is set.
func (s *Socket) ClientHandshake(ctx context.Context) error {
	s.client = true
	if s.config.Location == "" {
		s.config.Location = "/"
	}
	if s.host == "" {
		s.host = s.transport.PeerName().String()
	}

	hs := &clientHandshake{s: s}
	if err := hs.perform(ctx, nil); err != nil {
		return err
	}

	s.handshook = true
	s.logger.Debug("established WebSocket connection",
		slog.String("host", s.host), slog.String("subprotocol", s.protocol))
	return nil
}

// clientHandshake tracks the state of one client handshake across
// redirects and authentication retries.
type clientHandshake struct {
	s         *Socket
	key       string
	redirects int
	authTried bool
}

// perform sends the handshake request (with optional extra headers,
// used for authentication retries) and dispatches on the response
// status.
func (hs *clientHandshake) perform(ctx context.Context, extra []string) error {
	request, err := hs.requestHeaders()
	if err != nil {
		return err
	}
	if err := writeHeaderBlock(hs.s.transport, append(request, extra...)); err != nil {
		return err
	}

	statusLine, headers, err := readHeaderBlock(hs.s.transport)
	if err != nil {
		return err
	}
	status, ok := parseStatusLine(statusLine)
	if !ok {
		return hs.fail("not a valid HTTP 1.1 response: %q", statusLine)
	}

	switch status {
	case 101:
		return hs.checkUpgrade(headers)
	case 401:
		return hs.authenticate(ctx, headers)
	case 301, 302, 303, 307, 308:
		return hs.redirect(ctx, headers)
	default:
		return hs.fail("invalid HTTP response status %d", status)
	}
}

// parseStatusLine extracts the status code of an "HTTP/1.1 NNN ..."
// response line.
func parseStatusLine(line string) (int, bool) {
	rest, found := strings.CutPrefix(line, "HTTP/1.1 ")
	if !found || len(rest) < 3 {
		return 0, false
	}
	status, err := strconv.Atoi(rest[:3])
	if err != nil {
		return 0, false
	}
	return status, true
}

// requestHeaders constructs the client's handshake request with a
// fresh random nonce, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func (hs *clientHandshake) requestHeaders() ([]string, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}
	hs.key = base64.StdEncoding.EncodeToString(nonce)

	cfg := &hs.s.config
	request := []string{
		fmt.Sprintf("GET %s HTTP/1.1", cfg.Location),
		"Host: " + hs.s.host,
		"Upgrade: websocket",
		"Connection: keep-alive, Upgrade",
		"Sec-WebSocket-Key: " + hs.key,
		"Sec-WebSocket-Version: " + wsVersion,
	}

	if cfg.Origin != "" {
		request = append(request, "Origin: "+cfg.Origin)
	}

	// These are for eagerly caching webservers.
	request = append(request, "Pragma: no-cache", "Cache-Control: no-cache")

	if len(cfg.Protocols) > 0 {
		request = append(request, "Sec-WebSocket-Protocol: "+strings.Join(cfg.Protocols, ", "))
	}
	if len(cfg.Extensions) > 0 {
		request = append(request, "Sec-WebSocket-Extensions: "+formatExtensionHeader(cfg.Extensions))
	}

	return request, nil
}

// checkUpgrade validates a "101 Switching Protocols" response and
// installs the negotiated subprotocol and extension hooks.
func (hs *clientHandshake) checkUpgrade(headers Headers) error {
	for _, name := range []string{"Upgrade", "Connection", "Sec-WebSocket-Accept"} {
		if _, ok := headers[name]; !ok {
			return hs.fail("missing %q header", name)
		}
	}
	if !containsValue(headers.Get("Upgrade"), "websocket") {
		return hs.fail("%q header must contain %q", "Upgrade", "websocket")
	}
	if !containsValue(headers.Get("Connection"), "upgrade") {
		return hs.fail("%q header must contain %q", "Connection", "Upgrade")
	}

	accept := strings.TrimSpace(headers.Get("Sec-WebSocket-Accept"))
	if want := acceptValue(hs.key); accept != want {
		return hs.fail("invalid accept header %q, want %q", accept, want)
	}

	// Install hooks only for extensions returned by the server, which
	// must all have been offered.
	s := hs.s
	byName := make(map[string]*Extension, len(s.config.Extensions))
	for _, e := range s.config.Extensions {
		byName[e.Name] = e
	}

	var accepted []*Extension
	var params []Params
	for _, offer := range parseExtensionHeader(headers.Get("Sec-WebSocket-Extensions")) {
		ext, ok := byName[offer.name]
		if !ok {
			return hs.fail("server handshake contains unsupported extension %q", offer.name)
		}
		accepted = append(accepted, ext)
		params = append(params, offer.params)
	}
	if err := s.installExtensions(accepted, params); err != nil {
		return hs.fail("%v", err)
	}

	// The returned subprotocol (if any) must be one that was offered.
	if proto, ok := headers["Sec-WebSocket-Protocol"]; ok {
		if proto != "null" && !contains(s.config.Protocols, proto) {
			return hs.fail("unsupported subprotocol %q", proto)
		}
		s.protocol = proto
	}

	return nil
}

// authenticate answers an HTTP 401 challenge with Basic or Digest
// authentication, and retries the handshake once.
func (hs *clientHandshake) authenticate(ctx context.Context, headers Headers) error {
	if hs.authTried {
		return hs.fail("authentication rejected")
	}
	hs.authTried = true

	auth := hs.s.config.Auth
	if auth == nil {
		return hs.fail("missing username and password for HTTP authentication")
	}

	challenge := headers.Get("WWW-Authenticate")
	mode, _, _ := strings.Cut(strings.TrimSpace(challenge), " ")

	var header string
	switch mode {
	case "Basic":
		creds := auth.User + ":" + auth.Pass
		header = "Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	case "Digest":
		header = digestAuthorization(auth, "GET", hs.s.config.Location, parseChallenge(challenge))
	default:
		return hs.fail("unsupported HTTP authentication mode %q", mode)
	}

	return hs.perform(ctx, []string{header})
}

// parseChallenge extracts the key="value" parameters of a
// "WWW-Authenticate" challenge.
func parseChallenge(challenge string) map[string]string {
	params := map[string]string{}
	_, rest, _ := strings.Cut(strings.TrimSpace(challenge), " ")

	for param := range splitStripped(rest, ",") {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params
}

// digestAuthorization builds an "Authorization" header for HTTP
// Digest authentication (RFC 2617, without qop).
func digestAuthorization(auth *Credentials, method, uri string, challenge map[string]string) string {
	realm := challenge["realm"]
	nonce := challenge["nonce"]

	ha1 := md5hex(auth.User + ":" + realm + ":" + auth.Pass)
	ha2 := md5hex(method + ":" + uri)
	response := md5hex(ha1 + ":" + nonce + ":" + ha2)

	header := fmt.Sprintf("Authorization: Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q",
		auth.User, realm, nonce, uri, response)
	if opaque, ok := challenge["opaque"]; ok {
		header += fmt.Sprintf(", opaque=%q", opaque)
	}
	return header
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //gosec:disable G401 // Required for HTTP Digest authentication.
	return hex.EncodeToString(sum[:])
}

// redirect follows an HTTP redirect response, reconnecting the
// transport if the target host differs from the current one.
func (hs *clientHandshake) redirect(ctx context.Context, headers Headers) error {
	hs.redirects++
	if hs.redirects > maxRedirects {
		return hs.fail("reached maximum number of redirects (%d)", maxRedirects)
	}

	u, err := url.Parse(strings.TrimSpace(headers.Get("Location")))
	if err != nil {
		return hs.fail("invalid redirect location: %v", err)
	}

	secure := hs.s.transport.Secure()
	switch u.Scheme {
	case "ws", "http":
		secure = false
	case "wss", "https":
		secure = true
	case "":
		// Relative redirect, same host.
	default:
		return hs.fail("unexpected redirect URL scheme %q", u.Scheme)
	}

	host := u.Host
	if host != "" && u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	if host != "" && host != hs.s.host {
		if hs.s.redial == nil {
			return hs.fail("redirected to %q, but reconnecting is not supported", host)
		}

		_ = hs.s.transport.Close()
		t, err := hs.s.redial(ctx, host, secure)
		if err != nil {
			return hs.fail("failed to reconnect to %q: %v", host, err)
		}
		hs.s.transport = t
		hs.s.host = host
	}

	if u.Path != "" {
		hs.s.config.Location = u.Path
	}

	return hs.perform(ctx, nil)
}

// fail closes the transport and reports a [HandshakeError].
func (hs *clientHandshake) fail(format string, a ...any) error {
	err := handshakeError(format, a...)
	_ = hs.s.transport.Close()
	hs.s.logger.Warn("WebSocket handshake failed", slog.Any("error", err))
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// containsValue reports whether a header value contains the given
// token, compared case-insensitively. It matches both exact tokens in
// comma-separated lists and plain single values.
func containsValue(value, token string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(token))
}
