package websocket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport owns a bidirectional reliable byte stream for the lifetime
// of one WebSocket connection. All reads and writes may block; peer
// disconnects and local closures surface as [ErrClosed].
type Transport struct {
	conn      net.Conn
	secure    bool
	started   bool // A handshake byte has been sent or received.
	writeSide bool // The write side has been shut down.

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an established network connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// EnableTLS wraps the transport with TLS. It must be called before the
// first handshake byte moves in either direction, otherwise it fails
// with [ErrTLSConfig].
func (t *Transport) EnableTLS(cfg *tls.Config, server bool) error {
	if t.started {
		return ErrTLSConfig
	}

	if server {
		t.conn = tls.Server(t.conn, cfg)
	} else {
		t.conn = tls.Client(t.conn, cfg)
	}
	t.secure = true
	return nil
}

// Secure reports whether the transport is TLS-wrapped.
func (t *Transport) Secure() bool {
	return t.secure
}

// PeerName returns the address of the remote endpoint.
func (t *Transport) PeerName() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalName returns the address of the local endpoint.
func (t *Transport) LocalName() net.Addr {
	return t.conn.LocalAddr()
}

// Read implements [io.Reader]. A read from a closed network connection
// reports [ErrClosed]; a peer disconnect reports [io.EOF], which
// [readFull] maps to ErrClosed.
func (t *Transport) Read(buf []byte) (int, error) {
	t.started = true
	n, err := t.conn.Read(buf)
	if err != nil && err != io.EOF {
		if errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
	}
	return n, err
}

// readFull blocks until exactly len(buf) bytes have been read.
func (t *Transport) readFull(buf []byte) error {
	return readFull(t, buf)
}

// writeAll blocks until all of buf has been written, and reports
// [ErrClosed] if the peer disconnected or the transport was closed.
func (t *Transport) writeAll(buf []byte) error {
	t.started = true
	if _, err := t.conn.Write(buf); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// shutdownWrite half-closes the transport: no more writes, reads still
// possible. Not all connection types support this; on those that
// don't, it is a no-op.
func (t *Transport) shutdownWrite() {
	if t.writeSide {
		return
	}
	t.writeSide = true

	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := t.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// Close closes the underlying connection. Blocked readers observe
// [ErrClosed]; this is also the cancellation mechanism for a blocked
// receive loop. Repeated calls are no-ops: both sides of a closing
// handshake may reach here.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}
