// Package protocol defines the JSON frames exchanged between the relay, the
// terminal-side client and phone viewers.
//
// Every frame is a JSON object with a string "type" tag. Each direction has
// its own closed set of message types:
//
//   - [TerminalMessage]: terminal → relay ([TerminalOutput], [TerminalExit]).
//   - [ViewerMessage]: viewer → relay ([ViewerInput], [ViewerResize]).
//   - [ToTerminal]: relay → terminal.
//   - [ToViewer]: relay → viewer.
//
// The sets are kept apart even where field names overlap because the two
// sides have different trust levels: a terminal can never send "input" and a
// viewer can never send "output". Parse functions reject any tag outside the
// direction's set with [ErrUnknownType].
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeOutput            = "output"
	TypeBufferedOutput    = "buffered_output"
	TypeExit              = "exit"
	TypeInput             = "input"
	TypeResize            = "resize"
	TypeSessionCreated    = "session_created"
	TypePhoneConnected    = "phone_connected"
	TypePhoneDisconnected = "phone_disconnected"
	TypeSessionExpiring   = "session_expiring"
	TypeSessionExpired    = "session_expired"
	TypeCLIDisconnected   = "cli_disconnected"
	TypeSessionKilled     = "session_killed"
	TypeServerShutdown    = "server_shutdown"
)

var (
	// ErrMalformed is returned for frames that are not JSON objects or miss
	// a required field.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a type tag outside the direction's set.
	ErrUnknownType = errors.New("unknown message type")
)

// envelope is the union of every field used on the wire. Pointers tell a
// missing field apart from a zero value.
type envelope struct {
	Type             string  `json:"type"`
	Data             *string `json:"data"`
	Code             *int    `json:"code"`
	Cols             *int    `json:"cols"`
	Rows             *int    `json:"rows"`
	SessionID        *string `json:"sessionId"`
	SessionToken     *string `json:"sessionToken"`
	MaxDuration      *int64  `json:"maxDuration"`
	IsAnonymous      bool    `json:"isAnonymous"`
	PhoneCount       *int    `json:"phoneCount"`
	MinutesRemaining *int    `json:"minutesRemaining"`
}

func decode(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformed, msgType, field)
}

func unknown(direction, msgType string) error {
	return fmt.Errorf("%w: %q from %s", ErrUnknownType, msgType, direction)
}

// Encode marshals any outbound or inbound message into a wire frame.
func Encode(v json.Marshaler) ([]byte, error) {
	return v.MarshalJSON()
}

// MustEncode is Encode for message values that cannot fail to marshal
// (every type in this package).
func MustEncode(v json.Marshaler) []byte {
	b, err := v.MarshalJSON()
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %T: %v", v, err))
	}
	return b
}

// tagged marshals body with the given type tag prepended.
func tagged(msgType string, body any) ([]byte, error) {
	fields, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(msgType)
	if string(fields) == "{}" {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(fields)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, fields[1:]...)
	return out, nil
}
