package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("document not found")
var ErrConflict = errors.New("document already exists")
var ErrInvalidDocument = errors.New("document is invalid")

// Container names.
const (
	ContainerRawTraces   = "raw_traces"
	ContainerTraces      = "traces"
	ContainerEvaluators  = "evaluators"
	ContainerTemplates   = "templates"
	ContainerEvaluations = "evaluations"
	ContainerRCAResults  = "rca_results"
	ContainerMetrics     = "metrics"
	ContainerAudit       = "audit"
)

// Document is one JSON object stored in a container. Numbers decode as
// json.Number.
type Document map[string]any

// ID returns the document's id field.
func (d Document) ID() string {
	value, _ := d["id"].(string)
	return strings.TrimSpace(value)
}

// Filter is an equality predicate on a top-level or dotted field path.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// DocumentStore is an opaque collection of JSON documents grouped into
// containers and partitioned by a per-container key.
type DocumentStore interface {
	// Query returns every document in container matching all filters.
	Query(ctx context.Context, container string, q Query) ([]Document, error)
	// PointRead returns the document with id in the given partition or
	// ErrNotFound.
	PointRead(ctx context.Context, container, id, partitionKey string) (Document, error)
	// Upsert writes doc, overwriting any document with the same id.
	Upsert(ctx context.Context, container string, doc Document) error
	// Create writes doc and returns ErrConflict if the id exists.
	Create(ctx context.Context, container string, doc Document) error
	Close() error
}

// PartitionField names the field holding the partition key for container.
// Trace-scoped containers partition by trace_id; everything else by id.
func PartitionField(container string) string {
	switch container {
	case ContainerRawTraces, ContainerTraces, ContainerEvaluations, ContainerRCAResults:
		return "trace_id"
	default:
		return "id"
	}
}

// PartitionKey resolves the partition value of doc in container, falling back
// to the document id.
func PartitionKey(container string, doc Document) string {
	if value, ok := doc[PartitionField(container)].(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return doc.ID()
}

// Encode converts a JSON-tagged value into a Document.
func Encode(value any) (Document, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return decodeBody(body)
}

// Decode copies doc into the JSON-tagged value pointed to by out.
func Decode(doc Document, out any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func decodeBody(body []byte) (Document, error) {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	doc := make(Document)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return doc, nil
}

func prepareWrite(container string, doc Document) (string, string, []byte, error) {
	if strings.TrimSpace(container) == "" {
		return "", "", nil, fmt.Errorf("%w: container is required", ErrInvalidDocument)
	}
	id := doc.ID()
	if id == "" {
		return "", "", nil, fmt.Errorf("%w: id is required", ErrInvalidDocument)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode document %q: %w", id, err)
	}
	return id, PartitionKey(container, doc), body, nil
}
