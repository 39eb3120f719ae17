package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ongoingai/llmops/internal/trace"
)

var ErrInvalidPayload = errors.New("invalid trace payload")

// DecodeBatch accepts a single JSON object or an array of objects. Numbers
// stay json.Number so token counts survive without float rounding.
func DecodeBatch(body []byte) ([]trace.RawTrace, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if body[0] == '{' {
		var raw trace.RawTrace
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return []trace.RawTrace{raw}, nil
	}

	var items []json.RawMessage
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := make([]trace.RawTrace, 0, len(items))
	for i, item := range items {
		raw := trace.DecodeMap(item)
		if raw == nil {
			return nil, fmt.Errorf("%w: item %d is not an object", ErrInvalidPayload, i)
		}
		out = append(out, raw)
	}
	return out, nil
}
