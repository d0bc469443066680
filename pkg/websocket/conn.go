package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/tzrikka/cymbal/internal/logger"
)

// Handler bundles the user callbacks of one connection. Nil fields
// are no-ops, so the zero value is a valid (silent) handler.
//
// Callbacks run on the goroutine that drives the receive loop, except
// [Handler.OnPing], which runs on the goroutine that called
// [Conn.Ping]. OnClose is invoked exactly once per connection, no
// matter how it ends.
type Handler struct {
	// OnOpen is called once, when the connection is initialized.
	OnOpen func(*Conn)
	// OnMessage is called with each assembled data message. It is not
	// visible to this callback whether the message arrived in one
	// frame or many.
	OnMessage func(*Conn, *Message)
	// OnPing is called after a PING control frame has been sent, e.g.
	// to start a timeout for the expected PONG.
	OnPing func(*Conn, []byte)
	// OnPong is called when a solicited PONG control frame arrives.
	OnPong func(*Conn, []byte)
	// OnClose is called when the connection is closed by either
	// endpoint, with the close frame's status code and reason (or
	// this endpoint's own, if the peer never sent one). When
	// [Conn.ReceiveForever] sees the transport drop without a peer
	// CLOSE, the status is [StatusClosedAbnormally].
	OnClose func(*Conn, StatusCode, string)
	// OnError is called with connection errors and recovered callback
	// panics. [ErrClosed] is never reported here.
	OnError func(*Conn, error)
}

// Conn is the connection state machine on top of a handshaken
// [Socket]: it assembles data frames into [Message]s, answers control
// frames, tracks outstanding pings, and runs the closing handshake.
//
// All writes (user sends, PONG answers, CLOSE frames) are serialized
// through the socket's write lock; reads must stay on one goroutine,
// which is what [Conn.ReceiveForever] is for.
type Conn struct {
	sock    *Socket
	logger  *slog.Logger
	handler Handler

	// Guards the close handshake and ping bookkeeping: both are
	// mutated by the receive path and by out-of-band senders.
	mu            sync.Mutex
	closeSent     bool
	closeReceived bool
	closeStatus   StatusCode
	closeReason   string
	pingSent      bool
	pingPayload   []byte

	closeOnce sync.Once

	// Message-level hook chains, see [Conn.AddHooks].
	hooksSend []MessageHook
	hooksRecv []MessageHook
}

// NewConn wraps a socket whose handshake has completed, and fires the
// handler's OnOpen callback.
func NewConn(ctx context.Context, sock *Socket, handler Handler) *Conn {
	c := &Conn{sock: sock, logger: logger.FromContext(ctx), handler: handler}
	if h := c.handler.OnOpen; h != nil {
		h(c)
	}
	return c
}

// Socket exposes the connection's underlying socket, e.g. for the
// negotiated subprotocol or the peer address.
func (c *Conn) Socket() *Socket {
	return c.sock
}

// AddHooks registers a pair of message-level hooks: the send hook
// transforms outgoing messages before they are framed, the recv hook
// transforms incoming messages after assembly. Either may be nil.
//
// With prepend, the send hook runs before previously registered send
// hooks, and the recv hook after previously registered recv hooks, so
// that a prepended encode/decode pair wraps the existing chain
// symmetrically. For example, transparent JSON encoding:
//
//	c.AddHooks(
//		func(m *Message) (*Message, error) { /* marshal */ },
//		func(m *Message) (*Message, error) { /* unmarshal */ },
//		true)
func (c *Conn) AddHooks(send, recv MessageHook, prepend bool) {
	if send != nil {
		if prepend {
			c.hooksSend = append([]MessageHook{send}, c.hooksSend...)
		} else {
			c.hooksSend = append(c.hooksSend, send)
		}
	}
	if recv != nil {
		if prepend {
			c.hooksRecv = append(c.hooksRecv, recv)
		} else {
			c.hooksRecv = append([]MessageHook{recv}, c.hooksRecv...)
		}
	}
}

// Send pushes a message through the send hooks, serializes it to a
// single frame (masked iff this endpoint is the client), and writes
// it. Concurrent calls are safe.
func (c *Conn) Send(m *Message) error {
	f, err := c.buildFrame(m)
	if err != nil {
		return err
	}
	return c.sock.SendFrames(f)
}

// SendFragmented is like [Conn.Send], but splits the message into
// fragments whose payloads are at most fragmentSize bytes each. No
// other frame from this connection is interleaved between the
// fragments.
func (c *Conn) SendFragmented(m *Message, fragmentSize int) error {
	f, err := c.buildFrame(m)
	if err != nil {
		return err
	}
	frames, err := f.fragment(fragmentSize, c.sock.client)
	if err != nil {
		return err
	}
	return c.sock.SendFrames(frames...)
}

func (c *Conn) buildFrame(m *Message) (*Frame, error) {
	var err error
	for _, hook := range c.hooksSend {
		if m, err = hook(m); err != nil {
			return nil, err
		}
	}
	return m.frame(c.sock.client)
}

// Ping sends a PING control frame with an optional payload, and
// records it so the peer's PONG can be matched against it.
func (c *Conn) Ping(payload []byte) error {
	c.mu.Lock()
	c.pingSent = true
	c.pingPayload = bytes.Clone(payload)
	c.mu.Unlock()

	f, err := c.controlFrame(OpcodePing, payload)
	if err != nil {
		return err
	}
	if err := c.sock.SendFrames(f); err != nil {
		return err
	}

	if h := c.handler.OnPing; h != nil {
		h(c, payload)
	}
	return nil
}

func (c *Conn) controlFrame(op Opcode, payload []byte) (*Frame, error) {
	if c.sock.client {
		return NewMaskedFrame(op, payload)
	}
	return NewFrame(op, payload), nil
}

// Recv blocks until a complete data message has been assembled, and
// returns it. Control frames interleaved between (or within) data
// messages are handled inline. A completed closing handshake, or a
// closed transport, surfaces as [ErrClosed]; protocol violations fail
// the connection with close code 1002 (or 1007 for malformed text)
// before the error is returned.
func (c *Conn) Recv() (*Message, error) {
	var fragments []*Frame

	for {
		f, err := c.sock.RecvFrame()
		if err != nil {
			return nil, c.fail(err)
		}

		if f.Opcode.IsControl() {
			if err := c.handleControlFrame(f); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil, err
				}
				return nil, c.fail(err)
			}
			continue
		}

		// "A fragmented message consists of a single frame with the
		// FIN bit clear and an opcode other than 0, followed by zero
		// or more frames with the FIN bit clear and the opcode set to
		// 0, and terminated by a single frame with the FIN bit set
		// and an opcode of 0".
		if len(fragments) == 0 && f.Opcode == OpcodeContinuation {
			return nil, c.fail(protocolError("continuation frame with nothing to continue"))
		}
		if len(fragments) > 0 && f.Opcode != OpcodeContinuation {
			return nil, c.fail(protocolError("expected continuation frame, got %s", f.Opcode))
		}

		fragments = append(fragments, f)
		if f.Final {
			break
		}
	}

	msg, err := c.assemble(fragments)
	if err != nil {
		return nil, c.fail(err)
	}
	return msg, nil
}

// assemble concatenates fragment payloads in arrival order, validates
// text encoding, and runs the message-level recv hooks.
func (c *Conn) assemble(fragments []*Frame) (*Message, error) {
	size := 0
	for _, f := range fragments {
		size += len(f.Payload)
	}

	payload := make([]byte, 0, size)
	for _, f := range fragments {
		payload = append(payload, f.Payload...)
	}

	// "When an endpoint is to interpret a byte stream as UTF-8 but
	// finds that the byte stream is not, in fact, a valid UTF-8
	// stream, that endpoint MUST _Fail the WebSocket Connection_".
	msg := &Message{Opcode: fragments[0].Opcode, Payload: payload}
	if msg.Opcode == OpcodeText && !utf8.Valid(payload) {
		return nil, &ProtocolError{Reason: "invalid UTF-8 in text message", Status: StatusInvalidData}
	}

	c.logger.Debug("received WebSocket message",
		slog.String("opcode", msg.Opcode.String()), slog.Int("length", len(payload)))

	var err error
	for _, hook := range c.hooksRecv {
		if msg, err = hook(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// handleControlFrame handles a control frame as defined by RFC 6455.
// It returns [ErrClosed] when a CLOSE frame ends the connection.
func (c *Conn) handleControlFrame(f *Frame) error {
	switch f.Opcode {
	// "If an endpoint receives a Close frame and did not previously
	// send a Close frame, the endpoint MUST send a Close frame in
	// response".
	case OpcodeClose:
		return c.handleClose(f)

	// "An endpoint MUST be capable of handling control
	// frames in the middle of a fragmented message".
	case OpcodePing:
		pong, err := c.controlFrame(OpcodePong, f.Payload)
		if err != nil {
			return err
		}
		return c.sock.SendFrames(pong)

	case OpcodePong:
		c.mu.Lock()
		if !c.pingSent {
			c.mu.Unlock()
			return &PingError{Reason: "received PONG while no PING was sent"}
		}
		if !bytes.Equal(f.Payload, c.pingPayload) {
			c.mu.Unlock()
			return &PingError{Reason: "received PONG with invalid payload"}
		}
		c.pingSent = false
		c.pingPayload = nil
		c.mu.Unlock()

		if h := c.handler.OnPong; h != nil {
			h(c, f.Payload)
		}
	}

	return nil
}

// handleClose processes the peer's CLOSE frame: it records the status
// and reason, echoes a CLOSE back if this endpoint hasn't sent one
// yet, delivers OnClose, and ends the receive stream with [ErrClosed].
func (c *Conn) handleClose(f *Frame) error {
	status, reason := parseClosePayload(f.Payload)

	c.mu.Lock()
	c.closeReceived = true
	c.closeStatus, c.closeReason = status, reason
	alreadySent := c.closeSent
	c.closeSent = true
	c.mu.Unlock()

	if !alreadySent {
		var payload []byte
		if len(f.Payload) > 0 {
			payload = packClosePayload(status, reason)
		}
		if echo, err := c.controlFrame(OpcodeClose, payload); err == nil {
			_ = c.sock.SendFrames(echo)
		}
		c.sock.transport.shutdownWrite()
	}

	if status == StatusNotReceived {
		status, reason = StatusNormalClosure, ""
	}
	c.deliverClose(status, reason)
	_ = c.sock.Close()
	return ErrClosed
}

// deliverClose fires the OnClose callback; all calls after the first
// one are no-ops.
func (c *Conn) deliverClose(status StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Debug("WebSocket connection closed",
			slog.String("close_status", status.String()), slog.String("close_reason", reason))
		if h := c.handler.OnClose; h != nil {
			h(c, status, reason)
		}
	})
}

// fail maps a framing-layer error to connection teardown: protocol
// violations abort the connection with their close code, ping
// mismatches with 1002. [ErrClosed] passes through, since the
// connection is already gone.
func (c *Conn) fail(err error) error {
	var pe *ProtocolError
	var pingErr *PingError

	switch {
	case errors.Is(err, ErrClosed):
	case errors.As(err, &pe):
		c.abort(pe.Status, pe.Reason)
	case errors.As(err, &pingErr):
		c.abort(StatusProtocolError, pingErr.Reason)
	default:
		c.abort(StatusInternalError, "")
	}
	return err
}

// abort fails the connection: it sends a best-effort CLOSE without
// waiting for the peer's answer, delivers OnClose, and closes the
// transport.
func (c *Conn) abort(status StatusCode, reason string) {
	c.mu.Lock()
	alreadySent := c.closeSent
	c.closeSent = true
	c.mu.Unlock()

	if !alreadySent {
		if f, err := c.controlFrame(OpcodeClose, packClosePayload(status, reason)); err == nil {
			_ = c.sock.SendFrames(f)
		}
	}

	c.deliverClose(status, reason)
	_ = c.sock.Close()
}

// Close performs the closing handshake: it sends a CLOSE frame (if one
// wasn't sent already), keeps reading until the peer's CLOSE arrives
// (discarding data frames and handling control frames, so a fragmented
// chain in flight can terminate first), delivers OnClose, and closes
// the transport.
func (c *Conn) Close(status StatusCode, reason string) error {
	c.mu.Lock()
	sendIt := !c.closeSent
	c.closeSent = true
	received := c.closeReceived
	c.mu.Unlock()

	if sendIt {
		f, err := c.controlFrame(OpcodeClose, packClosePayload(status, reason))
		if err != nil {
			return err
		}
		if err := c.sock.SendFrames(f); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}

	for !received {
		f, err := c.sock.RecvFrame()
		if err != nil {
			break
		}
		if !f.Opcode.IsControl() {
			continue
		}
		if err := c.handleControlFrame(f); err != nil {
			break
		}
	}

	c.deliverClose(status, reason)
	return c.sock.Close()
}

// InitiateClose sends a CLOSE frame without waiting for the peer's
// response. Use this (instead of [Conn.Close]) when another goroutine
// is driving the connection's receive loop: that loop observes the
// peer's answering CLOSE and completes the handshake.
func (c *Conn) InitiateClose(status StatusCode, reason string) error {
	c.mu.Lock()
	alreadySent := c.closeSent
	c.closeSent = true
	c.mu.Unlock()

	if alreadySent {
		return nil
	}

	f, err := c.controlFrame(OpcodeClose, packClosePayload(status, reason))
	if err != nil {
		return err
	}
	return c.sock.SendFrames(f)
}

// ReceiveForever receives and handles messages in an endless loop,
// delivering each one to OnMessage. The loop exits cleanly on
// [ErrClosed], after OnClose has fired; any other error is reported
// to OnError, followed by a best-effort close.
func (c *Conn) ReceiveForever() {
	for {
		msg, err := c.Recv()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				c.deliverClose(StatusClosedAbnormally, "")
				_ = c.sock.Close()
				return
			}
			c.reportError(err)
			_ = c.Close(StatusInternalError, "")
			return
		}

		if err := c.dispatchMessage(msg); err != nil {
			c.reportError(err)
			_ = c.Close(StatusInternalError, "")
			return
		}
	}
}

// dispatchMessage delivers a message to OnMessage, converting a
// callback panic into an error for OnError.
func (c *Conn) dispatchMessage(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message callback panicked: %v", r)
		}
	}()

	if h := c.handler.OnMessage; h != nil {
		h(c, msg)
	}
	return nil
}

func (c *Conn) reportError(err error) {
	c.logger.Error("WebSocket connection error", slog.Any("error", err))
	if h := c.handler.OnError; h != nil {
		h(c, err)
	}
}

// IsClosing reports whether a CLOSE frame has been sent or received.
func (c *Conn) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent || c.closeReceived
}

// IsClosed reports whether the closing handshake has completed in
// both directions.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent && c.closeReceived
}

// CloseStatus returns the status code and reason captured from the
// peer's CLOSE frame, if one was received.
func (c *Conn) CloseStatus() (StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeStatus, c.closeReason
}
