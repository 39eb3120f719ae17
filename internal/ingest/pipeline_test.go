package ingest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/ongoingai/llmops/internal/evaluator"
	"github.com/ongoingai/llmops/internal/llm"
	"github.com/ongoingai/llmops/internal/rca"
	"github.com/ongoingai/llmops/internal/store"
	"github.com/ongoingai/llmops/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticCompleter struct {
	reply string
}

func (c staticCompleter) Complete(context.Context, llm.Request) (string, error) {
	return c.reply, nil
}

type failingStore struct {
	*store.MemoryStore
	container string
}

var errDiskFull = errors.New("disk full")

func (s failingStore) Upsert(ctx context.Context, container string, doc store.Document) error {
	if container == s.container && doc.ID() == "bad" {
		return errDiskFull
	}
	return s.MemoryStore.Upsert(ctx, container, doc)
}

// rcaOutageStore fails the first rca_results write and accepts the rest.
type rcaOutageStore struct {
	*store.MemoryStore
	failed atomic.Bool
}

func (s *rcaOutageStore) Upsert(ctx context.Context, container string, doc store.Document) error {
	if container == store.ContainerRCAResults && s.failed.CompareAndSwap(false, true) {
		return errDiskFull
	}
	return s.MemoryStore.Upsert(ctx, container, doc)
}

func mustDecode(t *testing.T, body string) []trace.RawTrace {
	t.Helper()

	batch, err := DecodeBatch([]byte(body))
	if err != nil {
		t.Fatalf("DecodeBatch() error: %v", err)
	}
	return batch
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	docs := store.NewMemoryStore()
	cfg, err := store.Encode(evaluator.Config{
		ID:        "hallucination-v1",
		ScoreName: rca.ScoreHallucination,
		Template:  evaluator.Template{ID: "hallucination_llm"},
		Status:    evaluator.StatusActive,
	})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := docs.Upsert(ctx, store.ContainerEvaluators, cfg); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	engine, err := evaluator.NewEngine(docs, staticCompleter{reply: `{"score": 0.2, "explanation": "mostly grounded"}`}, evaluator.Options{})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	pipeline := NewPipeline(docs, engine, rca.NewGate(docs, nil, nil), nil, nil)

	batch := mustDecode(t, `{"trace_id":"t-groq","provider":"groq","model":"llama-3.1-8b-instant",
		"input":"What is the refund window?","output":"30 days.",
		"tokens_in":100,"tokens_out":50,"retrieval_executed":true,"documents_found":0}`)
	result, err := pipeline.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("IngestBatch() error: %v", err)
	}
	if result.Stored != 1 || result.Evaluation.Persisted != 1 || result.RCA.Generated != 1 {
		t.Fatalf("result=%+v", result)
	}

	doc, err := docs.PointRead(ctx, store.ContainerTraces, "t-groq", "t-groq")
	if err != nil {
		t.Fatalf("PointRead(trace) error: %v", err)
	}
	var canonical trace.CanonicalTrace
	if err := store.Decode(doc, &canonical); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if canonical.ModelInfo.Provider != trace.ProviderGroq || canonical.Usage.TotalTokens != 150 {
		t.Fatalf("canonical provider=%q total_tokens=%d", canonical.ModelInfo.Provider, canonical.Usage.TotalTokens)
	}
	if !canonical.Retrieval.Executed || canonical.Retrieval.DocumentsFound != 0 {
		t.Fatalf("retrieval=%+v", canonical.Retrieval)
	}

	records, err := evaluator.LoadRecords(ctx, docs, "t-groq")
	if err != nil || len(records) != 1 {
		t.Fatalf("LoadRecords()=%d, %v", len(records), err)
	}
	if records[0].Score == nil || *records[0].Score != 0.8 {
		t.Fatalf("score=%v, want inverted 0.8", records[0].Score)
	}

	result2, err := rca.LoadResult(ctx, docs, "t-groq")
	if err != nil {
		t.Fatalf("LoadResult() error: %v", err)
	}
	if !reflect.DeepEqual(result2.Findings, []string{rca.FindingRetrievalFailed}) {
		t.Fatalf("findings=%v", result2.Findings)
	}

	again, err := pipeline.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second IngestBatch() error: %v", err)
	}
	if again.Evaluation.Persisted != 0 || again.Evaluation.Skipped != 1 || again.RCA.Generated != 0 {
		t.Fatalf("re-ingest result=%+v, want idempotent skip", again)
	}
}

func TestPipelineContinuesPastPersistenceFailures(t *testing.T) {
	t.Parallel()

	docs := failingStore{MemoryStore: store.NewMemoryStore(), container: store.ContainerTraces}
	var failures []string
	pipeline := NewPipeline(docs, nil, nil, nil, &PipelineMetrics{
		OnPersistFailure: func(container, class string) { failures = append(failures, container+"/"+class) },
	})

	batch := mustDecode(t, `[{"trace_id":"bad"},{"trace_id":"good","model":"gemini-1.5-flash"}]`)
	result, err := pipeline.IngestBatch(context.Background(), batch)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("IngestBatch() error=%v, want errDiskFull", err)
	}
	if result.Received != 2 || result.Stored != 1 || result.Failed != 1 {
		t.Fatalf("result=%+v", result)
	}
	if !reflect.DeepEqual(result.TraceIDs, []string{"good"}) {
		t.Fatalf("trace ids=%v", result.TraceIDs)
	}
	if !reflect.DeepEqual(failures, []string{"traces/unknown"}) {
		t.Fatalf("failures=%v", failures)
	}
	if _, err := docs.PointRead(context.Background(), store.ContainerRawTraces, "bad", "bad"); err != nil {
		t.Fatalf("raw archive should precede normalization: %v", err)
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()

	raw := trace.RawTrace{"id": "evt-1", "trace_id": "t1", "model": "gpt-4o"}
	archived := Archive(raw)
	if archived.ID() != "t1" || archived["id"] != "t1" || archived["source_id"] != "evt-1" {
		t.Fatalf("archived=%v", archived)
	}
	if raw["id"] != "evt-1" {
		t.Fatalf("Archive mutated its input: %v", raw)
	}

	minted := Archive(trace.RawTrace{"model": "gpt-4o"})
	if id := minted.ID(); !strings.HasPrefix(id, "trace_") || len(id) != len("trace_")+32 {
		t.Fatalf("minted id=%q", id)
	}
	if _, ok := minted["source_id"]; ok {
		t.Fatalf("minted trace should not carry source_id")
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "object", body: `{"trace_id":"a"}`, want: 1},
		{name: "array", body: ` [{"trace_id":"a"},{"trace_id":"b"}]`, want: 2},
		{name: "empty array", body: `[]`, want: 0},
		{name: "empty", body: "  ", wantErr: true},
		{name: "scalar item", body: `[{"trace_id":"a"}, 3]`, wantErr: true},
		{name: "garbage", body: `{"trace_id":`, wantErr: true},
		{name: "string", body: `"x"`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeBatch([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("DecodeBatch() error=%v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBatch() error: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len=%d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestPipelineRetriesRCAOnRedelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	docs := &rcaOutageStore{MemoryStore: store.NewMemoryStore()}
	cfg, err := store.Encode(evaluator.Config{
		ID:        "hallucination-v1",
		ScoreName: rca.ScoreHallucination,
		Template:  evaluator.Template{ID: "hallucination_llm"},
		Status:    evaluator.StatusActive,
	})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := docs.Upsert(ctx, store.ContainerEvaluators, cfg); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	engine, err := evaluator.NewEngine(docs, staticCompleter{reply: `{"score": 0.1}`}, evaluator.Options{})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	pipeline := NewPipeline(docs, engine, rca.NewGate(docs, nil, nil), nil, nil)
	batch := mustDecode(t, `{"trace_id":"t-retry","provider":"groq","model":"llama-3.1-8b-instant",
		"input":"q","output":"a","retrieval_executed":true,"documents_found":0}`)

	first, err := pipeline.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("first IngestBatch() error: %v", err)
	}
	if first.Evaluation.Persisted != 1 || first.RCA.Failed != 1 || first.RCA.Generated != 0 {
		t.Fatalf("first result=%+v, want evaluation persisted and rca write failed", first)
	}
	if _, err := rca.LoadResult(ctx, docs, "t-retry"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadResult() error=%v, want ErrNotFound after failed write", err)
	}

	second, err := pipeline.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second IngestBatch() error: %v", err)
	}
	if second.Evaluation.Persisted != 0 || second.Evaluation.Skipped != 1 {
		t.Fatalf("second evaluation=%+v, want idempotent skip", second.Evaluation)
	}
	if second.RCA.Generated != 1 {
		t.Fatalf("second rca=%+v, want generated on redelivery", second.RCA)
	}
	if _, err := rca.LoadResult(ctx, docs, "t-retry"); err != nil {
		t.Fatalf("LoadResult() error: %v", err)
	}

	third, err := pipeline.IngestBatch(ctx, batch)
	if err != nil {
		t.Fatalf("third IngestBatch() error: %v", err)
	}
	if third.RCA.Exists != 1 || third.RCA.Generated != 0 {
		t.Fatalf("third rca=%+v, want existing result kept", third.RCA)
	}
}
