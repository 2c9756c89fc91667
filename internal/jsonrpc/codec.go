package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest wraps every Parse failure other than a JSON syntax error: an empty
// (or all-whitespace) body, an empty batch, or a message failing the Transport Codec's
// shape rules in Validate (§7/§8). A plain JSON syntax error from json.Unmarshal is
// never wrapped in this, so callers tell the two kinds apart with errors.Is and pick
// CodeInvalidRequest vs. CodeParseError accordingly.
var ErrInvalidRequest = errors.New("jsonrpc: invalid request")

// ErrEmptyBatch is returned by Parse when the decoded body is an empty JSON array.
var ErrEmptyBatch = fmt.Errorf("jsonrpc: batch must be non-empty: %w", ErrInvalidRequest)

// Parse decodes a request body into either a single Message or a batch, mirroring the
// Transport Codec's Parse contract: accept a single object, or a non-empty array of
// objects; reject anything else.
//
// The returned bool is true when the body was a JSON array (a batch), even a
// single-element one; callers use it to decide whether to reply with an array.
func Parse(body []byte) ([]Message, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("jsonrpc: empty body: %w", ErrInvalidRequest)
	}

	if trimmed[0] == '[' {
		var batch []Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, fmt.Errorf("jsonrpc: parse batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, ErrEmptyBatch
		}
		for i, m := range batch {
			if err := m.Validate(); err != nil {
				return nil, true, fmt.Errorf("jsonrpc: batch element %d: %v: %w", i, err, ErrInvalidRequest)
			}
		}
		return batch, true, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false, fmt.Errorf("jsonrpc: parse message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, false, fmt.Errorf("jsonrpc: %v: %w", err, ErrInvalidRequest)
	}
	return []Message{msg}, false, nil
}

// Encode marshals either a single message or a batch back to JSON, preserving whether
// the original request was framed as an array.
func Encode(messages []Message, asBatch bool) ([]byte, error) {
	if !asBatch {
		if len(messages) != 1 {
			return nil, fmt.Errorf("jsonrpc: encode: expected exactly one message, got %d", len(messages))
		}
		return json.Marshal(messages[0])
	}
	return json.Marshal(messages)
}
