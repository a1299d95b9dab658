package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type      Type            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	FromUser  string          `json:"fromUser,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix ms, server-assigned on relay
}

// Parse decodes a client frame and canonicalizes its verb. Only verbs a
// client may send are accepted; sender fields are cleared so clients cannot
// spoof them.
func Parse(raw []byte) (Envelope, error) {
	var env struct {
		Type    string          `json:"type"`
		RoomID  string          `json:"roomId"`
		Room    string          `json:"room"`
		To      string          `json:"to"`
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	t, ok := Normalize(env.Type)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	out := Envelope{
		Type:    t,
		RoomID:  firstNonEmpty(env.RoomID, env.Room),
		To:      firstNonEmpty(env.To, env.Target),
		Payload: env.Payload,
	}
	return out, nil
}

// New builds a server envelope; payload may be nil.
func New(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("signal: encode %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// Stamp sets the sender fields and the server timestamp.
func (e Envelope) Stamp(fromConn, fromUser string, at time.Time) Envelope {
	e.From = fromConn
	e.FromUser = fromUser
	e.Timestamp = at.UnixMilli()
	return e
}

func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// DecodeRequired is Decode for verbs whose payload must be present.
func (e Envelope) DecodeRequired(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s payload required", ErrMalformed, e.Type)
	}
	return e.Decode(v)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
