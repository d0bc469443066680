package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"reflect"
	"testing"
	"time"
)

// newTestConn wraps one end of an in-memory pipe in a connection, and
// returns the peer end for scripted frame exchanges.
func newTestConn(t *testing.T, handler Handler, client bool) (*Conn, net.Conn) {
	t.Helper()

	local, peer := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = peer.Close() })

	sock := &Socket{transport: NewTransport(local), logger: slog.Default(), client: client}
	return NewConn(context.Background(), sock, handler), peer
}

// writeMasked packs and sends a masked frame from the scripted peer
// (playing the client) to the connection under test.
func writeMasked(t *testing.T, peer net.Conn, f *Frame) {
	t.Helper()

	f.MaskingKey = []byte{0x37, 0xfa, 0x21, 0x3d}
	buf, err := f.pack()
	if err != nil {
		t.Fatalf("pack() error = %v", err)
	}
	if _, err := peer.Write(buf); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// expectBytes reads and compares the exact bytes the connection is
// expected to send.
func expectBytes(t *testing.T, peer net.Conn, want []byte) {
	t.Helper()

	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("failed to read %d bytes: %v", len(want), err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sent bytes = %#v, want %#v", got, want)
	}
}

// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.2
func TestPingAnsweredWithPong(t *testing.T) {
	c, peer := newTestConn(t, Handler{}, false)

	recvErr := make(chan error, 1)
	go func() {
		_, err := c.Recv()
		recvErr <- err
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodePing, Payload: []byte("ping")})
	expectBytes(t, peer, []byte{0x8a, 0x04, 'p', 'i', 'n', 'g'})

	// End the pending Recv with a closing handshake.
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeClose, Payload: []byte{0x03, 0xe8}})
	expectBytes(t, peer, []byte{0x88, 0x02, 0x03, 0xe8})

	if err := <-recvErr; !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() error = %v, want ErrClosed", err)
	}
}

// https://datatracker.ietf.org/doc/html/rfc6455#section-7
func TestCloseHandshakeInitiatedByPeer(t *testing.T) {
	type closeEvent struct {
		status StatusCode
		reason string
	}
	closed := make(chan closeEvent, 2)

	c, peer := newTestConn(t, Handler{
		OnClose: func(_ *Conn, status StatusCode, reason string) {
			closed <- closeEvent{status, reason}
		},
	}, false)

	recvErr := make(chan error, 1)
	go func() {
		_, err := c.Recv()
		recvErr <- err
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeClose, Payload: []byte{0x03, 0xe8}})
	expectBytes(t, peer, []byte{0x88, 0x02, 0x03, 0xe8})

	if err := <-recvErr; !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv() error = %v, want ErrClosed", err)
	}

	select {
	case e := <-closed:
		if e.status != StatusNormalClosure || e.reason != "" {
			t.Errorf("OnClose(%d, %q), want (%d, %q)", e.status, e.reason, StatusNormalClosure, "")
		}
	default:
		t.Fatal("OnClose was not invoked")
	}

	if !c.IsClosed() {
		t.Error("Conn.IsClosed() = false after a completed closing handshake")
	}
	select {
	case <-closed:
		t.Error("OnClose was invoked more than once")
	default:
	}
}

func TestCloseHandshakeInitiatedLocally(t *testing.T) {
	var calls int
	c, peer := newTestConn(t, Handler{
		OnClose: func(*Conn, StatusCode, string) { calls++ },
	}, false)

	closeErr := make(chan error, 1)
	go func() { closeErr <- c.Close(StatusNormalClosure, "") }()

	expectBytes(t, peer, []byte{0x88, 0x02, 0x03, 0xe8})

	// A fragmented chain in flight is drained until the peer's CLOSE.
	writeMasked(t, peer, &Frame{Opcode: OpcodeText, Payload: []byte("dis")})
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeContinuation, Payload: []byte("card")})
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeClose, Payload: []byte{0x03, 0xe8}})

	if err := <-closeErr; err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("OnClose was invoked %d times, want 1", calls)
	}
	if !c.IsClosed() {
		t.Error("Conn.IsClosed() = false after a completed closing handshake")
	}
}

func TestRecvAssemblesFragments(t *testing.T) {
	c, peer := newTestConn(t, Handler{}, false)

	type result struct {
		msg *Message
		err error
	}
	recv := make(chan result, 1)
	go func() {
		msg, err := c.Recv()
		recv <- result{msg, err}
	}()

	writeMasked(t, peer, &Frame{Opcode: OpcodeText, Payload: []byte("Hel")})

	// Control frames may appear between the fragments of a message.
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodePing, Payload: []byte("hi")})
	expectBytes(t, peer, []byte{0x8a, 0x02, 'h', 'i'})

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeContinuation, Payload: []byte("lo")})

	r := <-recv
	if r.err != nil {
		t.Fatalf("Recv() error = %v", r.err)
	}
	if r.msg.Opcode != OpcodeText || r.msg.Text() != "Hello" {
		t.Errorf("Recv() = (%s, %q), want (text, Hello)", r.msg.Opcode, r.msg.Text())
	}
}

func TestRecvProtocolViolations(t *testing.T) {
	tests := []struct {
		name       string
		frames     []*Frame
		wantStatus StatusCode
	}{
		{
			name: "continuation_with_nothing_to_continue",
			frames: []*Frame{
				{Final: true, Opcode: OpcodeContinuation, Payload: []byte("x")},
			},
			wantStatus: StatusProtocolError,
		},
		{
			name: "non_continuation_inside_fragmented_message",
			frames: []*Frame{
				{Opcode: OpcodeText, Payload: []byte("He")},
				{Final: true, Opcode: OpcodeText, Payload: []byte("llo")},
			},
			wantStatus: StatusProtocolError,
		},
		{
			name: "rsv_bit_without_extension",
			frames: []*Frame{
				{Final: true, Rsv1: true, Opcode: OpcodeText, Payload: []byte("x")},
			},
			wantStatus: StatusProtocolError,
		},
		{
			name: "invalid_utf8_text",
			frames: []*Frame{
				{Final: true, Opcode: OpcodeText, Payload: []byte{0xff, 0xfe, 0xfd}},
			},
			wantStatus: StatusInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newTestConn(t, Handler{}, false)

			recvErr := make(chan error, 1)
			go func() {
				_, err := c.Recv()
				recvErr <- err
			}()

			for _, f := range tt.frames {
				writeMasked(t, peer, f)
			}

			// The connection fails with a CLOSE carrying the
			// expected status code.
			f, err := readFrame(readDeadline{peer})
			if err != nil {
				t.Fatalf("failed to read CLOSE frame: %v", err)
			}
			if f.Opcode != OpcodeClose {
				t.Fatalf("sent frame opcode = %s, want close", f.Opcode)
			}
			if status, _ := parseClosePayload(f.Payload); status != tt.wantStatus {
				t.Fatalf("CLOSE status = %d, want %d", status, tt.wantStatus)
			}

			var pe *ProtocolError
			if err := <-recvErr; !errors.As(err, &pe) {
				t.Fatalf("Recv() error = %v, want ProtocolError", err)
			} else if pe.Status != tt.wantStatus {
				t.Errorf("ProtocolError status = %d, want %d", pe.Status, tt.wantStatus)
			}
		})
	}
}

func TestRecvProtocolViolationCloseReason(t *testing.T) {
	c, peer := newTestConn(t, Handler{}, false)

	recvErr := make(chan error, 1)
	go func() {
		_, err := c.Recv()
		recvErr <- err
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeContinuation})

	// The CLOSE frame carries the protocol error's reason.
	f, err := readFrame(readDeadline{peer})
	if err != nil {
		t.Fatalf("failed to read CLOSE frame: %v", err)
	}
	_, reason := parseClosePayload(f.Payload)

	var pe *ProtocolError
	if err := <-recvErr; !errors.As(err, &pe) {
		t.Fatalf("Recv() error = %v, want ProtocolError", err)
	}
	if reason != pe.Reason {
		t.Errorf("CLOSE reason = %q, want %q", reason, pe.Reason)
	}
}

func TestPongBookkeeping(t *testing.T) {
	pongs := make(chan []byte, 1)
	c, peer := newTestConn(t, Handler{
		OnPong: func(_ *Conn, payload []byte) { pongs <- payload },
	}, false)

	pingErr := make(chan error, 1)
	go func() { pingErr <- c.Ping([]byte("hi")) }()

	expectBytes(t, peer, []byte{0x89, 0x02, 'h', 'i'})
	if err := <-pingErr; err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		_, err := c.Recv()
		recvErr <- err
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodePong, Payload: []byte("hi")})

	select {
	case payload := <-pongs:
		if string(payload) != "hi" {
			t.Errorf("OnPong payload = %q, want %q", payload, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("OnPong was not invoked")
	}

	// End the pending Recv.
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeClose})
	expectBytes(t, peer, []byte{0x88, 0x00})
	<-recvErr
}

func TestPongErrors(t *testing.T) {
	tests := []struct {
		name string
		ping []byte // nil = no outstanding ping
		pong []byte
	}{
		{
			name: "unsolicited_pong",
			pong: []byte("hello"),
		},
		{
			name: "payload_mismatch",
			ping: []byte("abc"),
			pong: []byte("xyz"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newTestConn(t, Handler{}, false)

			if tt.ping != nil {
				go func() {
					buf := make([]byte, 64)
					_, _ = peer.Read(buf) // Consume the PING frame.
				}()
				if err := c.Ping(tt.ping); err != nil {
					t.Fatalf("Ping() error = %v", err)
				}
			}

			recvErr := make(chan error, 1)
			go func() {
				_, err := c.Recv()
				recvErr <- err
			}()

			writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodePong, Payload: tt.pong})

			// The connection fails with a CLOSE frame.
			_ = peer.SetReadDeadline(time.Now().Add(time.Second))
			buf := make([]byte, maxControlPayload+2)
			if _, err := peer.Read(buf); err != nil {
				t.Fatalf("failed to read CLOSE frame: %v", err)
			}

			var pingErr *PingError
			if err := <-recvErr; !errors.As(err, &pingErr) {
				t.Errorf("Recv() error = %v, want PingError", err)
			}
		})
	}
}

func TestReceiveForever(t *testing.T) {
	msgs := make(chan string, 2)
	closed := make(chan struct{})

	c, peer := newTestConn(t, Handler{
		OnMessage: func(_ *Conn, msg *Message) { msgs <- msg.Text() },
		OnClose:   func(*Conn, StatusCode, string) { close(closed) },
	}, false)

	done := make(chan struct{})
	go func() {
		c.ReceiveForever()
		close(done)
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeText, Payload: []byte("one")})
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeText, Payload: []byte("two")})
	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeClose, Payload: []byte{0x03, 0xe8}})
	expectBytes(t, peer, []byte{0x88, 0x02, 0x03, 0xe8})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReceiveForever did not exit after the closing handshake")
	}

	if got := []string{<-msgs, <-msgs}; got[0] != "one" || got[1] != "two" {
		t.Errorf("OnMessage order = %v, want [one two]", got)
	}

	select {
	case <-closed:
	default:
		t.Error("OnClose was not invoked")
	}
}

func TestReceiveForeverAbruptDisconnect(t *testing.T) {
	closed := make(chan struct{})
	errs := make(chan error, 1)

	c, peer := newTestConn(t, Handler{
		OnClose: func(*Conn, StatusCode, string) { close(closed) },
		OnError: func(_ *Conn, err error) { errs <- err },
	}, false)

	done := make(chan struct{})
	go func() {
		c.ReceiveForever()
		close(done)
	}()

	_ = peer.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReceiveForever did not exit after the peer disconnected")
	}

	select {
	case <-closed:
	default:
		t.Error("OnClose was not invoked")
	}

	// A disconnect is not an error condition for the user.
	select {
	case err := <-errs:
		t.Errorf("OnError was invoked with %v", err)
	default:
	}
}

func TestReceiveForeverCallbackPanic(t *testing.T) {
	errs := make(chan error, 1)
	c, peer := newTestConn(t, Handler{
		OnMessage: func(*Conn, *Message) { panic("boom") },
		OnError:   func(_ *Conn, err error) { errs <- err },
	}, false)

	done := make(chan struct{})
	go func() {
		c.ReceiveForever()
		close(done)
	}()

	writeMasked(t, peer, &Frame{Final: true, Opcode: OpcodeText, Payload: []byte("x")})

	// Drain the CLOSE frame the connection sends on its way out.
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	_, _ = peer.Read(buf)
	_ = peer.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReceiveForever did not exit after a callback panic")
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("OnError was invoked with nil")
		}
	case <-time.After(time.Second):
		t.Error("OnError was not invoked")
	}
}

func TestOnOpen(t *testing.T) {
	opened := false
	newTestConn(t, Handler{OnOpen: func(*Conn) { opened = true }}, false)
	if !opened {
		t.Error("OnOpen was not invoked by NewConn")
	}
}

func TestConnSendMasksByRole(t *testing.T) {
	tests := []struct {
		name   string
		client bool
	}{
		{name: "server_sends_unmasked"},
		{name: "client_sends_masked", client: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newTestConn(t, Handler{}, tt.client)

			go func() { _ = c.Send(NewTextMessage("Hello")) }()

			f, err := readFrame(readDeadline{peer})
			if err != nil {
				t.Fatalf("readFrame() error = %v", err)
			}

			if masked := len(f.MaskingKey) == 4; masked != tt.client {
				t.Errorf("frame masked = %v, want %v", masked, tt.client)
			}
			if string(f.Payload) != "Hello" {
				t.Errorf("payload = %q, want %q", f.Payload, "Hello")
			}
		})
	}
}

type readDeadline struct {
	conn net.Conn
}

func (r readDeadline) Read(buf []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
	return r.conn.Read(buf)
}

func TestConnSendFragmented(t *testing.T) {
	c, peer := newTestConn(t, Handler{}, false)

	go func() { _ = c.SendFragmented(NewTextMessage("Hello"), 3) }()

	expectBytes(t, peer, []byte{0x01, 0x03, 'H', 'e', 'l'})
	expectBytes(t, peer, []byte{0x80, 0x02, 'l', 'o'})
}

func TestMessageHooks(t *testing.T) {
	c := &Conn{sock: &Socket{logger: slog.Default()}, logger: slog.Default()}

	appendTag := func(tag string) MessageHook {
		return func(m *Message) (*Message, error) {
			m.Payload = append(m.Payload, tag...)
			return m, nil
		}
	}

	c.AddHooks(appendTag("-s1"), appendTag("-r1"), false)
	c.AddHooks(appendTag("-s2"), appendTag("-r2"), true) // Prepended.

	f, err := c.buildFrame(NewTextMessage("out"))
	if err != nil {
		t.Fatalf("buildFrame() error = %v", err)
	}
	if want := "out-s2-s1"; string(f.Payload) != want {
		t.Errorf("send hooks produced %q, want %q", f.Payload, want)
	}

	msg, err := c.assemble([]*Frame{{Final: true, Opcode: OpcodeText, Payload: []byte("in")}})
	if err != nil {
		t.Fatalf("assemble() error = %v", err)
	}
	if want := "in-r1-r2"; msg.Text() != want {
		t.Errorf("recv hooks produced %q, want %q", msg.Text(), want)
	}
}
