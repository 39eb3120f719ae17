package evaluator

import (
	"errors"
	"testing"
)

func TestParseOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		text        string
		wantScore   *float64
		wantLabel   string
		explanation string
	}{
		{name: "bare json", text: `{"score": 0.35, "explanation": "minor padding"}`, wantScore: floatPtr(0.35), explanation: "minor padding"},
		{name: "fenced json", text: "```json\n{\"score\": \"0.9\", \"classification\": \"PASS\"}\n```", wantScore: floatPtr(0.9), wantLabel: "pass"},
		{name: "json with label", text: `Result: {"score": 1, "label": "Fail"}`, wantScore: floatPtr(1), wantLabel: "fail"},
		{name: "labeled pattern", text: "The answer is grounded. Score: 0.75 overall (2 issues)", wantScore: floatPtr(0.75)},
		{name: "labeled lowercase", text: "score 0.1", wantScore: floatPtr(0.1)},
		{name: "first number", text: "I would rate this 0.6 out of 1", wantScore: floatPtr(0.6)},
		{name: "json without score falls back", text: `{"rating": 0.4}`, wantScore: floatPtr(0.4)},
		{name: "labeled percentage clamps to one", text: "Score: 85", wantScore: floatPtr(1)},
		{name: "json above range clamps to one", text: `{"score": 7, "explanation": "scale slip"}`, wantScore: floatPtr(1), explanation: "scale slip"},
		{name: "negative clamps to zero", text: "score: -0.3", wantScore: floatPtr(0)},
		{name: "first number clamps", text: "rated 4 of 5", wantScore: floatPtr(1)},
		{name: "no number", text: "cannot evaluate"},
		{name: "empty", text: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ParseOutput(tt.text)
			assertFloatPtr(t, "score", got.Score, tt.wantScore)
			if got.Classification != tt.wantLabel {
				t.Fatalf("classification=%q, want %q", got.Classification, tt.wantLabel)
			}
			if got.Explanation != tt.explanation {
				t.Fatalf("explanation=%q, want %q", got.Explanation, tt.explanation)
			}
		})
	}
}

func TestScorerTransform(t *testing.T) {
	t.Parallel()

	if got := HallucinationScorer().Transform(0.2); got != 0.8 {
		t.Fatalf("hallucination transform=%v, want 0.8", got)
	}
	if got := ConcisenessScorer().Transform(0.1234); got != 0.8766 {
		t.Fatalf("conciseness transform=%v, want 0.8766", got)
	}
	if got := ContextRelevanceScorer().Transform(0.2); got != 0.2 {
		t.Fatalf("context relevance transform=%v, want 0.2", got)
	}
	parsed := ParseOutput("Score: 85")
	if got := HallucinationScorer().Transform(*parsed.Score); got != 0 {
		t.Fatalf("hallucination transform of out-of-range output=%v, want 0", got)
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()

	scorer, err := registry.Resolve(Config{ScoreName: "hallucination", Template: Template{ID: "anything"}}, nil)
	if err != nil || scorer.Name != "hallucination_llm" {
		t.Fatalf("Resolve(score_name)=%q, %v", scorer.Name, err)
	}

	scorer, err = registry.Resolve(Config{ScoreName: "grounding", Template: Template{ID: "context_relevance_llm", Model: "judge"}}, nil)
	if err != nil || scorer.Name != "context_relevance_llm" || scorer.Model != "judge" {
		t.Fatalf("Resolve(template id)=%+v, %v", scorer, err)
	}

	doc := &TemplateDocument{ID: "conciseness_llm", SystemPrompt: "Be terse.", Model: "doc-model"}
	scorer, err = registry.Resolve(Config{ScoreName: "conciseness", Template: Template{ID: "conciseness_llm"}}, doc)
	if err != nil {
		t.Fatalf("Resolve(doc override) error: %v", err)
	}
	if scorer.SystemPrompt != "Be terse." || scorer.Model != "doc-model" || !scorer.Invert {
		t.Fatalf("override scorer=%+v", scorer)
	}
	if scorer.UserTemplate != ConcisenessScorer().UserTemplate {
		t.Fatalf("empty template document should keep the built-in prompt")
	}

	if _, err := registry.Resolve(Config{ScoreName: "unknown", Template: Template{ID: "unknown"}}, nil); !errors.Is(err, ErrUnknownScorer) {
		t.Fatalf("Resolve(unknown) error=%v, want ErrUnknownScorer", err)
	}
	if _, err := registry.Resolve(Config{ScoreName: "unknown", Template: Template{ID: "unknown"}}, &TemplateDocument{ID: "unknown"}); !errors.Is(err, ErrUnknownScorer) {
		t.Fatalf("Resolve(empty doc) error=%v, want ErrUnknownScorer", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{ID: "h", ScoreName: "hallucination", Template: Template{ID: "hallucination_llm"}, Status: StatusActive}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing id", mutate: func(c *Config) { c.ID = "" }},
		{name: "missing score name", mutate: func(c *Config) { c.ScoreName = " " }},
		{name: "missing template", mutate: func(c *Config) { c.Template.ID = "" }},
		{name: "negative delay", mutate: func(c *Config) { c.Execution.DelayMS = -1 }},
		{name: "rate above one", mutate: func(c *Config) { c.Execution.SamplingRate = floatPtr(1.5) }},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: Validate() error=%v, want ErrInvalidConfig", tt.name, err)
		}
	}

	if valid.SamplingRate() != 1 || valid.VarianceThreshold(0.2) != 0.2 {
		t.Fatalf("defaults: rate=%v threshold=%v", valid.SamplingRate(), valid.VarianceThreshold(0.2))
	}
	if RecordID("t1", "h") != "t1:h" {
		t.Fatalf("RecordID()=%q", RecordID("t1", "h"))
	}
}
