package websocket

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Params holds the parameters of a single extension offer or response.
// Values are bool (a bare key means true), int (a value matching
// [0-9]+), or string (anything else), as they appear in the
// "Sec-WebSocket-Extensions" header.
type Params map[string]any

// clone returns a shallow copy, so negotiation can merge offered
// parameters over defaults without mutating the descriptor.
func (p Params) clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Hook is a per-connection pair of frame transformations, instantiated
// from an [Extension] during the handshake. Send hooks may set the
// extension's reserved bits and replace the payload; recv hooks undo
// the transformation. A nil function means "pass through".
type Hook struct {
	Send func(*Frame) (*Frame, error)
	Recv func(*Frame) (*Frame, error)
}

// Extension describes a WebSocket extension: its registered name, the
// RSV bits and opcodes it reserves, the parameters it recognizes (with
// their default values), and a factory producing a per-connection
// stateful [Hook].
//
// Extension values are shared, read-only descriptors; all
// per-connection state belongs to the Hook.
type Extension struct {
	// Name is matched exactly against "Sec-WebSocket-Extensions"
	// offers.
	Name string

	// Rsv1, Rsv2 and Rsv3 declare which reserved frame-header bits
	// the extension claims. Two negotiated extensions can't claim the
	// same bit; conflicting offers are rejected during negotiation.
	Rsv1, Rsv2, Rsv3 bool

	// Opcodes lists reserved opcodes claimed by the extension, if any.
	Opcodes []Opcode

	// Defaults enumerates the recognized parameters and their default
	// values. An offer carrying a parameter outside this set is
	// rejected.
	Defaults Params

	// Request holds the parameters this endpoint asks the peer to
	// apply, echoed in the negotiated header.
	Request Params

	// NewHook builds the per-connection hook pair. The params are the
	// extension's defaults merged with the peer's negotiated values.
	NewHook func(ext *Extension, params Params) (*Hook, error)
}

// createHook merges the given parameters over the extension's defaults
// and instantiates a hook.
func (e *Extension) createHook(params Params) (*Hook, error) {
	merged := e.Defaults.clone()
	for k, v := range params {
		merged[k] = v
	}
	return e.NewHook(e, merged)
}

// recognizes reports whether all given parameters are recognized by
// the extension.
func (e *Extension) recognizes(params Params) bool {
	for k := range params {
		if _, ok := e.Defaults[k]; !ok {
			return false
		}
	}
	return true
}

// extensionOffer is one parsed element of a comma-separated
// "Sec-WebSocket-Extensions" header value.
type extensionOffer struct {
	name   string
	params Params
}

// parseExtensionHeader parses a "Sec-WebSocket-Extensions" header
// value: a comma-separated list of offers, each a semicolon-separated
// "name; key=value; flag" sequence. A bare key means true, a decimal
// value is parsed as an integer, anything else is kept as a string.
func parseExtensionHeader(value string) []extensionOffer {
	var offers []extensionOffer

	for ext := range splitStripped(value, ",") {
		name, paramstr, _ := strings.Cut(ext, ";")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		params := Params{}
		for param := range splitStripped(paramstr, ";") {
			key, val, found := strings.Cut(param, "=")
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if !found {
				params[key] = true
				continue
			}

			val = strings.TrimSpace(val)
			if n, err := strconv.Atoi(val); err == nil && isDigits(val) {
				params[key] = n
			} else {
				params[key] = val
			}
		}

		offers = append(offers, extensionOffer{name: name, params: params})
	}

	return offers
}

// formatExtensionHeader renders negotiated extensions (with their
// peer-facing parameters) into a "Sec-WebSocket-Extensions" value.
func formatExtensionHeader(exts []*Extension) string {
	values := make([]string, 0, len(exts))
	for _, e := range exts {
		values = append(values, formatExtensionOffer(e.Name, e.Request))
	}
	return strings.Join(values, ", ")
}

func formatExtensionOffer(name string, params Params) string {
	s := name
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		switch v := params[k].(type) {
		case bool:
			if v {
				s += "; " + k
			}
		case nil:
			// Omitted.
		default:
			s += fmt.Sprintf("; %s=%v", k, v)
		}
	}
	return s
}

// negotiateExtensions admits client offers greedily in client
// preference order: each offer must name a supported extension and
// carry only recognized parameters, and its RSV bit and opcode
// reservations must not conflict with an extension that was admitted
// earlier. Rejections are silent, as per the negotiation rules of
// https://datatracker.ietf.org/doc/html/rfc6455#section-9.1.
//
// The returned lists are parallel: the admitted extensions, and the
// offer parameters to instantiate each one's hook with.
func negotiateExtensions(offers []extensionOffer, supported []*Extension) ([]*Extension, []Params) {
	byName := make(map[string]*Extension, len(supported))
	for _, e := range supported {
		byName[e.Name] = e
	}

	var rsv1, rsv2, rsv3 bool
	var opcodes []Opcode
	var accepted []*Extension
	var params []Params

	for _, offer := range offers {
		ext, ok := byName[offer.name]
		if !ok || !ext.recognizes(offer.params) {
			continue
		}
		if (ext.Rsv1 && rsv1) || (ext.Rsv2 && rsv2) || (ext.Rsv3 && rsv3) {
			continue
		}
		if slices.ContainsFunc(ext.Opcodes, func(op Opcode) bool {
			return slices.Contains(opcodes, op)
		}) {
			continue
		}

		rsv1 = rsv1 || ext.Rsv1
		rsv2 = rsv2 || ext.Rsv2
		rsv3 = rsv3 || ext.Rsv3
		opcodes = append(opcodes, ext.Opcodes...)
		accepted = append(accepted, ext)
		params = append(params, offer.params)
	}

	return accepted, params
}

// splitStripped yields the non-empty, space-trimmed elements of a
// delimited string.
func splitStripped(value, delim string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for _, part := range strings.Split(value, delim) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !yield(part) {
				return
			}
		}
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
