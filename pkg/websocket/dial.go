package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/tzrikka/cymbal/internal/logger"
)

// Dialer opens client connections. The zero value is usable: plain
// TCP with [net.Dialer] defaults, and certificate verification
// against the system pool for "wss" URLs.
type Dialer struct {
	// Config holds the WebSocket-level knobs: subprotocols,
	// extensions, origin, HTTP auth.
	Config Config

	// TLSConfig is cloned for "wss" connections; its ServerName is
	// filled in from the URL when empty.
	TLSConfig *tls.Config

	// NetDial overrides the TCP dialing function, e.g. for tests or
	// proxies.
	NetDial func(ctx context.Context, addr string) (net.Conn, error)
}

// Dial connects to the given URL ("ws://..." or "wss://..."),
// performs the client side of the [WebSocket handshake], and wraps
// the result in a [Conn] driven by the given handler.
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func (d *Dialer) Dial(ctx context.Context, wsURL string, handler Handler) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}

	var secure bool
	switch u.Scheme {
	case "ws", "http":
	case "wss", "https":
		secure = true
	default:
		return nil, fmt.Errorf("unexpected WebSocket URL scheme: %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	t, err := d.connect(ctx, host, secure)
	if err != nil {
		return nil, err
	}

	sock := &Socket{
		transport: t,
		logger:    logger.FromContext(ctx),
		config:    d.Config,
		host:      host,
		redial: func(ctx context.Context, host string, secure bool) (*Transport, error) {
			return d.connect(ctx, host, secure)
		},
	}
	if sock.config.Location == "" {
		sock.config.Location = u.RequestURI()
	}

	if err := sock.ClientHandshake(ctx); err != nil {
		return nil, err
	}
	return NewConn(ctx, sock, handler), nil
}

// connect opens (and, for secure connections, TLS-wraps) a transport.
func (d *Dialer) connect(ctx context.Context, host string, secure bool) (*Transport, error) {
	netDial := d.NetDial
	if netDial == nil {
		netDial = func(ctx context.Context, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp", addr)
		}
	}

	conn, err := netDial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	t := NewTransport(conn)
	if secure {
		cfg := d.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			hostname, _, _ := net.SplitHostPort(host)
			cfg.ServerName = hostname
		}
		if err := t.EnableTLS(cfg, false); err != nil {
			_ = t.Close()
			return nil, err
		}
	}

	return t, nil
}

// Dial connects to the given URL with a default [Dialer].
func Dial(ctx context.Context, wsURL string, cfg Config, handler Handler) (*Conn, error) {
	d := &Dialer{Config: cfg}
	return d.Dial(ctx, wsURL, handler)
}

// Accept performs the server side of the WebSocket handshake on an
// established network connection (e.g. fresh from a listener's
// Accept), and wraps the result in a [Conn] driven by the given
// handler.
func Accept(ctx context.Context, conn net.Conn, cfg Config, handler Handler) (*Conn, error) {
	sock := NewSocket(ctx, conn, cfg)
	if err := sock.ServerHandshake(ctx); err != nil {
		return nil, err
	}
	return NewConn(ctx, sock, handler), nil
}
