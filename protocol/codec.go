package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Reasons reported by DecodeError.
const (
	ReasonInvalidUTF8 = "invalid UTF-8"
	ReasonInvalidJSON = "invalid JSON"
	ReasonMissingID   = "missing ID"
)

// DecodeError reports an inbound payload that could not be turned into a
// Message. It is recoverable: the sender is told and the connection stays open.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode message: " + e.Reason
	}

	return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses one complete payload.
//
// Parameters:
//   - data: The exact bytes of one inbound message
//
// Returns:
//   - The decoded Message
//   - A *DecodeError when data is not UTF-8, not a JSON object, or lacks "ID"
func Decode(data []byte) (Message, error) {
	if !utf8.Valid(data) {
		return Message{}, &DecodeError{Reason: ReasonInvalidUTF8}
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Reason: ReasonInvalidJSON, Err: err}
	}

	if w.ID == nil {
		return Message{}, &DecodeError{Reason: ReasonMissingID}
	}

	return Message{ID: *w.ID, Sicaklik: w.Sicaklik}, nil
}

// Encode serializes m as compact UTF-8 JSON. The only failure is a
// non-finite Sicaklik, which Decode never produces.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %d: %w", m.ID, err)
	}

	return data, nil
}
