package websocket

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// DeflateFrameName is the registered name of the per-frame compression
// extension implemented by [DeflateFrame], as defined in
// https://datatracker.ietf.org/doc/html/draft-tyoshino-hybi-websocket-perframe-deflate-06.
const DeflateFrameName = "deflate-frame"

const (
	paramMaxWindowBits     = "max_window_bits"
	paramNoContextTakeover = "no_context_takeover"

	// compressionThreshold is the payload size at or below which
	// compression isn't worth the frame-header round trip.
	compressionThreshold = 64

	// inflateWindowSize is the LZ77 sliding window retained between
	// frames when context takeover is in effect.
	inflateWindowSize = 32 * 1024
)

// deflateTail is the output suffix of a deflate sync flush. The sender
// strips it; the receiver restores it before inflating, as per
// https://datatracker.ietf.org/doc/html/rfc7692#section-7.2.1.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// inflateFinalBlock is an empty stored block with the BFINAL bit set.
// Appending it (after [deflateTail]) terminates the deflate stream, so
// the flate reader reports a clean EOF instead of an unexpected one.
var inflateFinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// DeflateFrame describes the "deflate-frame" extension: per-frame
// DEFLATE compression signaled through the RSV1 bit.
//
// Recognized parameters (with defaults): "max_window_bits" in [1,15]
// (15), and "no_context_takeover" (false). The defaults argument
// overrides the local behavior; the request argument is sent to the
// peer during negotiation. Both may be nil.
//
// Note that the compressor ignores window sizes below 15: the flate
// sliding window is fixed at 32 KiB. The parameter is still validated
// and negotiated, and peers are free to compress with less.
func DeflateFrame(defaults, request Params) (*Extension, error) {
	ext := &Extension{
		Name: DeflateFrameName,
		Rsv1: true,
		Defaults: Params{
			paramMaxWindowBits:     15,
			paramNoContextTakeover: false,
		},
		Request: Params{},
		NewHook: newDeflateHook,
	}

	for k, v := range defaults {
		ext.Defaults[k] = v
	}
	for k, v := range request {
		ext.Request[k] = v
	}
	for _, p := range []Params{ext.Defaults, ext.Request} {
		if err := checkDeflateParams(p); err != nil {
			return nil, err
		}
	}

	return ext, nil
}

func checkDeflateParams(params Params) error {
	for k, v := range params {
		switch k {
		case paramMaxWindowBits:
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("deflate-frame: %q must be an integer", paramMaxWindowBits)
			}
			if n < 1 || n > 15 {
				return fmt.Errorf("deflate-frame: %q must be in [1,15], got %d", paramMaxWindowBits, n)
			}
		case paramNoContextTakeover:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("deflate-frame: %q must have no value", paramNoContextTakeover)
			}
		default:
			return fmt.Errorf("deflate-frame: unrecognized parameter %q", k)
		}
	}
	return nil
}

// deflateHook owns the compression state of one connection. The
// compressor is reinitialized after the final frame of every message,
// and after every frame when context takeover is disabled. The
// decompressor's history is carried across frames for the connection
// lifetime, unless context takeover is disabled, in which case every
// frame is inflated without history. This is a protocol invariant,
// not an optimization.
type deflateHook struct {
	noContextTakeover bool

	comp    *flate.Writer
	compBuf bytes.Buffer

	dec    io.ReadCloser
	decBuf bytes.Buffer
	window []byte // Decompressed history, fed back as the inflate dictionary.
}

func newDeflateHook(ext *Extension, params Params) (*Hook, error) {
	if err := checkDeflateParams(params); err != nil {
		return nil, err
	}

	h := &deflateHook{}
	if v, ok := params[paramNoContextTakeover].(bool); ok {
		h.noContextTakeover = v
	}

	return &Hook{Send: h.send, Recv: h.recv}, nil
}

// send compresses a single outgoing frame and marks it with RSV1.
// Control frames, frames already claimed by another RSV1 transform,
// and payloads at or below the compression threshold pass through
// untouched.
func (h *deflateHook) send(f *Frame) (*Frame, error) {
	if f.Opcode.IsControl() || f.Rsv1 || len(f.Payload) <= compressionThreshold {
		return f, nil
	}

	payload, err := h.deflate(f.Payload, f.Final || h.noContextTakeover)
	if err != nil {
		return nil, err
	}

	f.Rsv1 = true
	f.Payload = payload
	return f, nil
}

// deflate compresses data with raw DEFLATE. With finish, the stream is
// terminated, a single 0x00 octet is appended, and the compressor is
// reinitialized; the tail octet matches widely deployed peers, whose
// raw inflaters need the extra padding byte to complete. Without
// finish, the stream is sync-flushed and the flush's trailing
// 00 00 FF FF is stripped.
func (h *deflateHook) deflate(data []byte, finish bool) ([]byte, error) {
	if h.comp == nil {
		c, err := flate.NewWriter(&h.compBuf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize frame compressor: %w", err)
		}
		h.comp = c
	}

	h.compBuf.Reset()
	if _, err := h.comp.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress frame payload: %w", err)
	}

	if finish {
		if err := h.comp.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish frame compression: %w", err)
		}
		out := append(bytes.Clone(h.compBuf.Bytes()), 0x00)
		h.comp.Reset(&h.compBuf)
		return out, nil
	}

	if err := h.comp.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush frame compressor: %w", err)
	}
	out := h.compBuf.Bytes()
	if !bytes.HasSuffix(out, deflateTail) {
		return nil, fmt.Errorf("frame compressor flush did not end with %X", deflateTail)
	}
	return bytes.Clone(out[:len(out)-len(deflateTail)]), nil
}

// recv decompresses a single incoming frame marked with RSV1.
// A compressed control frame fails the connection with close code
// 1002, as does a payload with leftover bytes beyond its deflate
// stream.
func (h *deflateHook) recv(f *Frame) (*Frame, error) {
	if !f.Rsv1 {
		return f, nil
	}
	if f.Opcode.IsControl() {
		return nil, protocolError("received compressed control frame")
	}

	payload, err := h.inflate(f.Payload)
	if err != nil {
		return nil, err
	}

	f.Rsv1 = false
	f.Payload = payload
	return f, nil
}

// inflate restores the stripped sync-flush tail and decompresses with
// raw inflate. Unless context takeover is disabled, the decompressor's
// sliding window is carried across frames as a dictionary, which is
// equivalent to a persistent inflater because each frame's payload
// starts at a deflate block boundary.
func (h *deflateHook) inflate(data []byte) ([]byte, error) {
	h.decBuf.Reset()
	h.decBuf.Write(data)
	h.decBuf.Write(deflateTail)
	h.decBuf.Write(inflateFinalBlock)

	if h.dec == nil {
		h.dec = flate.NewReaderDict(&h.decBuf, h.window)
	} else if err := h.dec.(flate.Resetter).Reset(&h.decBuf, h.window); err != nil {
		return nil, fmt.Errorf("failed to reset frame decompressor: %w", err)
	}

	out, err := io.ReadAll(h.dec)
	if err != nil {
		return nil, protocolError("invalid compressed frame payload: %v", err)
	}

	// A peer that terminated its deflate stream at the frame boundary
	// leaves the appended continuation bytes (and its own padding
	// octet) unread; anything beyond that is garbage trailing the
	// stream.
	if rem := h.decBuf.Len(); rem > len(deflateTail)+len(inflateFinalBlock)+1 {
		return nil, protocolError("unused data after compressed frame payload")
	}

	if h.noContextTakeover {
		h.window = nil
	} else {
		h.window = slideWindow(h.window, out)
	}
	return out, nil
}

// slideWindow appends data to the inflate dictionary, keeping at most
// the last [inflateWindowSize] bytes.
func slideWindow(window, data []byte) []byte {
	if len(data) >= inflateWindowSize {
		return bytes.Clone(data[len(data)-inflateWindowSize:])
	}

	window = append(window, data...)
	if len(window) > inflateWindowSize {
		window = append(window[:0], window[len(window)-inflateWindowSize:]...)
	}
	return window
}
