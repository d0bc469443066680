package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tzrikka/cymbal/internal/logger"
)

// Credentials is a username/password pair for HTTP authentication
// during the client handshake.
type Credentials struct {
	User string
	Pass string
}

// Config holds the caller-facing knobs of one WebSocket endpoint.
// The zero value is usable: no subprotocols, no extensions, no origin
// or location policy.
type Config struct {
	// Protocols lists supported subprotocols, in preference order.
	Protocols []string

	// Extensions lists supported extensions, in preference order.
	Extensions []*Extension

	// Origin is the "Origin" header value sent by a client.
	Origin string

	// TrustedOrigins restricts the "Origin" values a server accepts.
	// An empty list accepts all origins.
	TrustedOrigins []string

	// Location is the request path of a client handshake ("/" if empty).
	Location string

	// AllowedLocations restricts the request paths a server accepts.
	// An empty list accepts all locations.
	AllowedLocations []string

	// Auth is used by a client to answer an HTTP 401 challenge with
	// Basic or Digest authentication.
	Auth *Credentials

	// Authorize, if set, is consulted by the server handshake with
	// the request headers before upgrading. A returned error rejects
	// the handshake with HTTP status 401.
	Authorize func(headers Headers) error
}

// Socket upgrades a byte-stream transport to a WebSocket using the
// HTTP handshake and frame (un)packing, as specified by RFC 6455.
// It sits below [Conn]: a Socket moves single frames through the
// negotiated extension hooks, a Conn assembles them into messages.
type Socket struct {
	transport *Transport
	logger    *slog.Logger
	config    Config

	// Set by [Dial] for client sockets: the value of the "Host"
	// header, and a way to reopen the transport when a handshake
	// redirect moves to another host.
	host   string
	redial func(ctx context.Context, host string, secure bool) (*Transport, error)

	// Set by the handshake.
	client    bool // This endpoint is the client: outgoing frames are masked.
	handshook bool
	protocol  string
	active    []*Extension

	// Frame-level extension hook chains, in negotiation order.
	hooksSend []func(*Frame) (*Frame, error)
	hooksRecv []func(*Frame) (*Frame, error)

	// RSV bits and opcodes reserved by the active extensions.
	rsv1, rsv2, rsv3 bool
	opcodes          []Opcode

	// Serializes all transport writes: user sends, control echoes
	// from the receive path, and close frames.
	writeMu sync.Mutex
}

// NewSocket wraps an established network connection. The handshake is
// performed separately, see [Socket.ServerHandshake] and
// [Socket.ClientHandshake].
func NewSocket(ctx context.Context, conn net.Conn, cfg Config) *Socket {
	return &Socket{
		transport: NewTransport(conn),
		logger:    logger.FromContext(ctx),
		config:    cfg,
	}
}

// EnableTLS wraps the underlying transport with TLS. It must be
// called before the handshake, otherwise it fails with [ErrTLSConfig].
func (s *Socket) EnableTLS(cfg *tls.Config, server bool) error {
	if s.handshook {
		return ErrTLSConfig
	}
	return s.transport.EnableTLS(cfg, server)
}

// Transport exposes the underlying transport, e.g. for peer
// addresses or read deadlines.
func (s *Socket) Transport() *Transport {
	return s.transport
}

// Subprotocol returns the subprotocol chosen during the handshake,
// or an empty string.
func (s *Socket) Subprotocol() string {
	return s.protocol
}

// Extensions returns the extensions negotiated during the handshake,
// in negotiation order.
func (s *Socket) Extensions() []*Extension {
	return s.active
}

// installExtensions instantiates a hook for each negotiated extension
// (with the peer's parameters merged over the extension's defaults),
// and records the reserved RSV bits and opcodes.
func (s *Socket) installExtensions(exts []*Extension, params []Params) error {
	for i, ext := range exts {
		hook, err := ext.createHook(params[i])
		if err != nil {
			return fmt.Errorf("failed to instantiate extension %q: %w", ext.Name, err)
		}

		s.active = append(s.active, ext)
		if hook.Send != nil {
			s.hooksSend = append(s.hooksSend, hook.Send)
		}
		if hook.Recv != nil {
			s.hooksRecv = append(s.hooksRecv, hook.Recv)
		}

		s.rsv1 = s.rsv1 || ext.Rsv1
		s.rsv2 = s.rsv2 || ext.Rsv2
		s.rsv3 = s.rsv3 || ext.Rsv3
		s.opcodes = append(s.opcodes, ext.Opcodes...)

		s.logger.Debug("installed WebSocket extension", slog.String("name", ext.Name))
	}
	return nil
}

// SendFrames runs each frame through the send-hook chain in order,
// packs it, and writes it to the transport. The frames are written
// back to back, with no interleaving of frames from other callers:
// the write lock is held across the entire call.
func (s *Socket) SendFrames(frames ...*Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, f := range frames {
		var err error
		for _, hook := range s.hooksSend {
			if f, err = hook(f); err != nil {
				return err
			}
		}

		buf, err := f.pack()
		if err != nil {
			return err
		}
		if err := s.transport.writeAll(buf); err != nil {
			return err
		}

		s.logger.Debug("sent WebSocket frame", slog.Bool("fin", f.Final),
			slog.String("opcode", f.Opcode.String()), slog.Int("length", len(f.Payload)))
	}

	return nil
}

// RecvFrame reads and validates a single frame, then runs it through
// the recv-hook chain in reverse negotiation order (the innermost
// transformation is undone last). It blocks until a frame arrives.
func (s *Socket) RecvFrame() (*Frame, error) {
	f, err := readFrame(s.transport)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("received WebSocket frame", slog.Bool("fin", f.Final),
		slog.String("opcode", f.Opcode.String()), slog.Int("length", len(f.Payload)))

	if err := s.checkInbound(f); err != nil {
		return nil, err
	}

	for i := len(s.hooksRecv) - 1; i >= 0; i-- {
		if f, err = s.hooksRecv[i](f); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// checkInbound enforces the frame-header rules of
// https://datatracker.ietf.org/doc/html/rfc6455#section-5 before any
// extension processing: reserved bits are rejected unless an active
// extension claims them, and so are unknown opcodes, malformed
// control frames, and frames masked (or not) against the endpoint's
// role.
func (s *Socket) checkInbound(f *Frame) error {
	if (f.Rsv1 && !s.rsv1) || (f.Rsv2 && !s.rsv2) || (f.Rsv3 && !s.rsv3) {
		return protocolError("reserved bits set without a negotiated extension")
	}

	if (f.Opcode > OpcodeBinary && f.Opcode < OpcodeClose) || f.Opcode > OpcodePong {
		reserved := false
		for _, op := range s.opcodes {
			if f.Opcode == op {
				reserved = true
				break
			}
		}
		if !reserved {
			return protocolError("unknown opcode %d", f.Opcode)
		}
	}

	if f.Opcode.IsControl() {
		if len(f.Payload) > maxControlPayload {
			return protocolError("control frame (opcode %d) with %d-byte payload", f.Opcode, len(f.Payload))
		}
		if !f.Final {
			return protocolError("fragmented control frame (opcode %d)", f.Opcode)
		}
	}

	if s.client && len(f.MaskingKey) != 0 {
		return protocolError("server frames must not be masked")
	}
	if !s.client && len(f.MaskingKey) == 0 {
		return protocolError("client frames must be masked")
	}

	return nil
}

// PeerName returns the address of the remote endpoint.
func (s *Socket) PeerName() net.Addr {
	return s.transport.PeerName()
}

// LocalName returns the address of the local endpoint.
func (s *Socket) LocalName() net.Addr {
	return s.transport.LocalName()
}

// Close closes the underlying transport. Any blocked reader observes
// [ErrClosed].
func (s *Socket) Close() error {
	return s.transport.Close()
}
