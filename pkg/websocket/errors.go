package websocket

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed reports that the transport was closed, either by the
	// peer or locally. It also signals a completed closing handshake,
	// in which case it is not an error condition for the caller.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrFrameTooLarge reports a payload whose length cannot be
	// encoded in the 63 bits of the extended payload length field.
	ErrFrameTooLarge = errors.New("websocket: frame payload too large")

	// ErrInvalidControlFrame reports an attempt to build a control
	// frame that violates https://datatracker.ietf.org/doc/html/rfc6455#section-5.5:
	// a payload of more than 125 bytes, or fragmentation.
	ErrInvalidControlFrame = errors.New("websocket: invalid control frame")

	// ErrTLSConfig reports an attempt to enable TLS on a transport
	// that has already started (or completed) its opening handshake.
	ErrTLSConfig = errors.New("websocket: TLS must be enabled before the handshake")
)

// ProtocolError reports incoming bytes that violate RFC 6455: a bad
// continuation sequence, an oversized or fragmented control frame, a
// reserved bit set without a negotiated extension, and so on. It fails
// the WebSocket connection with the embedded close status (usually
// [StatusProtocolError]).
type ProtocolError struct {
	Reason string
	Status StatusCode
}

func (e *ProtocolError) Error() string {
	return "websocket: protocol error: " + e.Reason
}

// protocolError constructs a [ProtocolError] with close status 1002.
func protocolError(format string, a ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, a...), Status: StatusProtocolError}
}

// HandshakeError reports a failed HTTP opening handshake: a missing or
// mismatched header, an unsupported version or extension, too many
// redirects, or an unsupported authentication mode.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "websocket: handshake failed: " + e.Reason
}

func handshakeError(format string, a ...any) *HandshakeError {
	return &HandshakeError{Reason: fmt.Sprintf(format, a...)}
}

// PingError reports an unsolicited PONG control frame, or a PONG whose
// payload doesn't match the outstanding PING's payload.
type PingError struct {
	Reason string
}

func (e *PingError) Error() string {
	return "websocket: ping error: " + e.Reason
}
