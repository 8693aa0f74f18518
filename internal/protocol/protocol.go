package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const Version = "1.0"

// Client -> server frame types.
const (
	TypeHello        = "hello"
	TypeAction       = "action"
	TypeChat         = "chat"
	TypeQuickCommand = "quick_command"
	TypePause        = "pause"
	TypeControl      = "control"
)

// Server -> client frame types.
const (
	TypeState  = "state"
	TypeDelta  = "delta"
	TypeSystem = "system"
)

// ErrBadFrame wraps every decode or schema failure of an inbound frame.
var ErrBadFrame = errors.New("bad frame")

// Envelope is the outer shape of every frame in both directions. Timestamp is
// unix milliseconds; the server never orders by the client's value.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	return env, nil
}

// DecodeData unmarshals an envelope payload into v.
func DecodeData(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrBadFrame, env.Type, err)
	}
	return nil
}

// Encode builds a wire frame.
func Encode(typ string, now time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Timestamp: now.UnixMilli(), Data: raw})
}
