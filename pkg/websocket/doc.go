// Package websocket is a standalone implementation of the WebSocket
// protocol (RFC 6455), usable as both server and client.
//
// The package is built around three layers:
//  1. [Frame] and its codec: the byte-level framing layer, including
//     masking and fragmentation
//  2. [Socket]: a handshaken transport that sends and receives frames,
//     running each of them through the negotiated extension hooks
//  3. [Conn]: the connection state machine, which assembles data frames
//     into [Message]s, answers control frames, and runs the closing
//     handshake
//
// WebSocket [extensions] are modeled as [Extension] descriptors that
// reserve RSV bits and opcodes, and instantiate a per-connection [Hook]
// pair during the handshake. The "deflate-frame" compression extension
// is included, see [DeflateFrame].
//
// All I/O is blocking and strictly serial per connection: a driver is
// expected to dedicate one goroutine to each connection's receive loop
// (see [Conn.ReceiveForever]), while writes from any goroutine are
// serialized internally.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
package websocket
