// Package envelope defines the record carried between the publish bridge and the listener.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a payload does not decode into an Envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is a flat two-field record. Both fields are nullable.
type Envelope struct {
	Field1 *string `json:"field1"`
	Field2 *string `json:"field2"`
}

// New returns an Envelope with both fields set.
func New(field1, field2 string) Envelope {
	return Envelope{Field1: &field1, Field2: &field2}
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{field1=%s, field2=%s}", deref(e.Field1), deref(e.Field2))
}

// Marshal encodes e as a JSON object. Nil fields are written as null.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON object into an Envelope. Anything other than an object
// (including a bare null) is rejected with ErrMalformed.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return e, fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}
