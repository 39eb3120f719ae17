package trace

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DecodeMap decodes a JSON object into a generic map, keeping numbers as
// json.Number. Returns nil for empty input or JSON parse errors.
func DecodeMap(raw []byte) map[string]any {
	if strings.TrimSpace(string(raw)) == "" {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	decoded := make(map[string]any)
	if err := decoder.Decode(&decoded); err != nil {
		return nil
	}
	return decoded
}

// Lookup walks nested maps along path. Integer path elements index into
// slices, so Lookup(m, "choices", "0", "message") is valid.
func Lookup(values map[string]any, path ...string) (any, bool) {
	var current any = values
	for _, key := range path {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case RawTrace:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, false
			}
			current = typed[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// StringField extracts a trimmed string value from a map.
func StringField(values map[string]any, key string) string {
	if len(values) == 0 {
		return ""
	}
	value, ok := values[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// CoerceInt64 converts a loosely-typed value to int64, handling float64,
// float32, int, int64, int32, json.Number, and string representations.
func CoerceInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case float32:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// CoerceFloat64 converts a loosely-typed numeric value to float64.
func CoerceFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, !math.IsNaN(typed)
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil || math.IsNaN(parsed) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// IntField extracts an integer from a map key. Fractional values truncate.
func IntField(values map[string]any, key string) (int64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	if parsed, ok := CoerceInt64(raw); ok {
		return parsed, true
	}
	if parsed, ok := CoerceFloat64(raw); ok {
		return int64(parsed), true
	}
	return 0, false
}

// FirstInt returns the first key that holds an integer, or 0.
func FirstInt(values map[string]any, keys ...string) int {
	for _, key := range keys {
		if parsed, ok := IntField(values, key); ok {
			return int(parsed)
		}
	}
	return 0
}

// FloatField extracts a float64 from a map key.
func FloatField(values map[string]any, key string) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	return CoerceFloat64(raw)
}

// BoolField extracts a boolean value from a map key,
// handling native bools and "true"/"false" strings.
func BoolField(values map[string]any, key string) (bool, bool) {
	if len(values) == 0 {
		return false, false
	}
	raw, ok := values[key]
	if !ok {
		return false, false
	}
	switch typed := raw.(type) {
	case bool:
		return typed, true
	case string:
		value := strings.ToLower(strings.TrimSpace(typed))
		if value == "true" {
			return true, true
		}
		if value == "false" {
			return false, true
		}
	}
	return false, false
}

// MapField returns the nested object stored at key, or nil.
func MapField(values map[string]any, key string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	switch typed := values[key].(type) {
	case map[string]any:
		return typed
	case RawTrace:
		return typed
	}
	return nil
}

// MapSlice returns the objects stored in the list at key, skipping non-object
// entries.
func MapSlice(values map[string]any, key string) []map[string]any {
	if len(values) == 0 {
		return nil
	}
	items, ok := values[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if typed, ok := item.(map[string]any); ok {
			out = append(out, typed)
		}
	}
	return out
}

// SliceLen returns the length of the list stored at key, or 0.
func SliceLen(values map[string]any, key string) int {
	if len(values) == 0 {
		return 0
	}
	items, ok := values[key].([]any)
	if !ok {
		return 0
	}
	return len(items)
}

// CleanText collapses literal "\n" escapes, newlines and runs of whitespace
// into single spaces.
func CleanText(value string) string {
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, `\n`, " ")
	return strings.Join(strings.Fields(value), " ")
}
