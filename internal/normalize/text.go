package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/trace"
)

// textKeys are checked in order when a text field holds an object instead of
// a plain string.
var textKeys = []string{"query", "answer", "response", "content", "text"}

// ExtractText returns value when it is a string, or the first string-valued
// text key when it is an object.
func ExtractText(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		for _, key := range textKeys {
			if text := trace.StringField(typed, key); text != "" {
				return text
			}
		}
	}
	return ""
}

// InputText reads input, then question, then request.input.
func InputText(raw trace.RawTrace) string {
	for _, path := range [][]string{{"input"}, {"question"}, {"request", "input"}} {
		value, ok := trace.Lookup(raw, path...)
		if !ok {
			continue
		}
		if text := ExtractText(value); text != "" {
			return text
		}
	}
	return ""
}

// OutputText reads output, then the first chat choice of the provider
// response, then the first Gemini candidate part.
func OutputText(raw trace.RawTrace) string {
	paths := [][]string{
		{"output"},
		{"answer"},
		{"provider_raw", "choices", "0", "message", "content"},
		{"provider_raw", "candidates", "0", "content", "parts", "0", "text"},
	}
	for _, path := range paths {
		value, ok := trace.Lookup(raw, path...)
		if !ok {
			continue
		}
		if text := ExtractText(value); text != "" {
			return text
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NormalizeTimestamp converts epoch milliseconds (integer, float or numeric
// string) or an ISO-8601 string into epoch milliseconds. Anything else is 0.
func NormalizeTimestamp(value any) int64 {
	if value == nil {
		return 0
	}
	if _, isBool := value.(bool); isBool {
		return 0
	}
	if text, ok := value.(string); ok {
		text = strings.TrimSpace(text)
		if text == "" {
			return 0
		}
		if parsed, err := strconv.ParseFloat(text, 64); err == nil {
			return int64(parsed)
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UnixMilli()
			}
		}
		return 0
	}
	if parsed, ok := trace.CoerceInt64(value); ok {
		return parsed
	}
	if parsed, ok := trace.CoerceFloat64(value); ok {
		return int64(parsed)
	}
	return 0
}
