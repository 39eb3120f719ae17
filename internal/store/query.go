package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ongoingai/llmops/internal/trace"
)

func validateQuery(q Query) error {
	for _, filter := range q.Filters {
		if !validFieldPath(filter.Field) {
			return fmt.Errorf("invalid filter field %q", filter.Field)
		}
	}
	if q.OrderBy != "" && !validFieldPath(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	return nil
}

// validFieldPath accepts dotted identifiers so paths can be embedded in SQL
// JSON path expressions.
func validFieldPath(field string) bool {
	if field == "" {
		return false
	}
	for _, part := range strings.Split(field, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}

func fieldValue(doc Document, field string) (any, bool) {
	return trace.Lookup(doc, strings.Split(field, ".")...)
}

func matches(doc Document, filters []Filter) bool {
	for _, filter := range filters {
		got, ok := fieldValue(doc, filter.Field)
		if !ok {
			return false
		}
		if !valuesEqual(got, filter.Value) {
			return false
		}
	}
	return true
}

func valuesEqual(got, want any) bool {
	switch typed := want.(type) {
	case string:
		value, ok := got.(string)
		return ok && value == typed
	case bool:
		value, ok := got.(bool)
		return ok && value == typed
	}
	wantNum, ok := trace.CoerceFloat64(want)
	if !ok {
		return false
	}
	if _, isString := got.(string); isString {
		return false
	}
	gotNum, ok := trace.CoerceFloat64(got)
	return ok && gotNum == wantNum
}

func stringFilters(filters []Filter) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, filter := range filters {
		if _, ok := filter.Value.(string); ok {
			out = append(out, filter)
		}
	}
	return out
}

// finish applies the non-pushed-down parts of q: residual filters, ordering
// and limit. Documents without the order field sort last.
func finish(docs []Document, q Query) []Document {
	out := docs[:0]
	for _, doc := range docs {
		if matches(doc, q.Filters) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			left, leftOK := fieldValue(out[i], q.OrderBy)
			right, rightOK := fieldValue(out[j], q.OrderBy)
			if leftOK != rightOK {
				return leftOK
			}
			if !leftOK {
				return false
			}
			cmp := compareValues(left, right)
			if q.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareValues(left, right any) int {
	leftNum, leftOK := trace.CoerceFloat64(left)
	rightNum, rightOK := trace.CoerceFloat64(right)
	_, leftString := left.(string)
	_, rightString := right.(string)
	if leftOK && rightOK && !leftString && !rightString {
		switch {
		case leftNum < rightNum:
			return -1
		case leftNum > rightNum:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(left), fmt.Sprint(right))
}
