package trace

// RawTrace is one provider telemetry payload as received. Its shape varies by
// provider and is never validated; readers use the field helpers in fields.go.
type RawTrace map[string]any

// ID returns the trace identity, preferring trace_id over id.
func (r RawTrace) ID() string {
	if id := StringField(r, "trace_id"); id != "" {
		return id
	}
	return StringField(r, "id")
}

const (
	ProviderGoogle  = "google"
	ProviderOpenAI  = "openai"
	ProviderGroq    = "groq"
	ProviderUnknown = "unknown"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const Unknown = "unknown"

// CanonicalTrace is the normalized record every downstream stage reads.
type CanonicalTrace struct {
	ID               string      `json:"id"`
	TraceID          string      `json:"trace_id"`
	TraceName        string      `json:"trace_name"`
	InputText        string      `json:"input_text"`
	OutputText       string      `json:"output_text"`
	RetrievedContext []string    `json:"retrieved_context"`
	Session          Session     `json:"session"`
	Request          Request     `json:"request"`
	ModelInfo        ModelInfo   `json:"model_info"`
	Performance      Performance `json:"performance"`
	Usage            Usage       `json:"usage"`
	Cost             Cost        `json:"cost"`
	Retrieval        Retrieval   `json:"retrieval"`
	Spans            []Span      `json:"spans"`
}

type Session struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type Request struct {
	Timestamp   int64   `json:"timestamp"`
	Environment string  `json:"environment"`
	Intent      *string `json:"intent,omitempty"`
}

type ModelInfo struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type Performance struct {
	LatencyMS int64  `json:"latency_ms"`
	Status    string `json:"status"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Cost struct {
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	Currency      string  `json:"currency"`
}

type Retrieval struct {
	Executed            bool     `json:"executed"`
	DocumentsFound      int      `json:"documents_found"`
	RetrievalConfidence *float64 `json:"retrieval_confidence,omitempty"`
	BestScore           *float64 `json:"best_score,omitempty"`
}

// Span is one sub-step of a trace. Token fields are zero for spans that do not
// report usage; CostUSD is zero for non-generation spans.
type Span struct {
	SpanID           string  `json:"span_id"`
	Type             string  `json:"type"`
	Name             string  `json:"name"`
	LatencyMS        int64   `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}
