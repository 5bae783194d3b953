// Package wire encodes and decodes the JSON-RPC-shaped envelope exchanged
// with peers over the bridge's duplex text channel. It is used for both
// inbound requests and outbound notifications; there is no correlated id,
// so replies are just notifications sent back down the same channel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the jsonrpc version this codec produces, and the value Decode
// fills in when a frame omits the field. Decode does not reject frames that
// carry a different value.
const Version = "2.0"

// ErrDecode is the sentinel wrapped by every decode failure, so callers can
// distinguish malformed frames from other errors with errors.Is.
var ErrDecode = errors.New("wire: malformed envelope")

// Envelope is the wire shape exchanged with peers in both directions.
// Params is kept as opaque JSON until the dispatcher narrows it to a
// concrete params type for the given method.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Decode parses a single wire frame into an Envelope. It fails with an
// error wrapping ErrDecode when the text is not well-formed JSON or the
// method field is missing.
func Decode(text []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(text, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrDecode)
	}
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	return &env, nil
}

// Encode builds a wire frame for an unsolicited notification: method plus
// an arbitrary, JSON-marshalable params value.
func Encode(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s params: %w", method, err)
	}
	return json.Marshal(Envelope{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	})
}
