package evaluator

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Scorer is a registered scoring function: the prompts sent to the judge
// model and the post-processing applied to its score.
type Scorer struct {
	Name         string
	Model        string
	SystemPrompt string
	UserTemplate string
	// Inputs must resolve to non-empty values; any other placeholder renders
	// empty when absent.
	Inputs []string
	// Limits truncates variables to at most this many characters.
	Limits    map[string]int
	MaxTokens int
	// Invert maps a raw score r to 1-r so higher is always better.
	Invert bool
}

// Transform applies the scorer's score post-processing.
func (s Scorer) Transform(raw float64) float64 {
	if !s.Invert {
		return raw
	}
	return math.Round((1-raw)*10000) / 10000
}

// TemplateDocument is a prompt template from the templates container.
type TemplateDocument struct {
	ID           string   `json:"id"`
	Model        string   `json:"model,omitempty"`
	Template     string   `json:"template"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Inputs       []string `json:"inputs,omitempty"`
}

// WithTemplate overrides the scorer's prompts and model with those set on doc.
func (s Scorer) WithTemplate(doc TemplateDocument) Scorer {
	if strings.TrimSpace(doc.Template) != "" {
		s.UserTemplate = doc.Template
		s.Inputs = nil
	}
	if len(doc.Inputs) > 0 {
		s.Inputs = append([]string(nil), doc.Inputs...)
	}
	if strings.TrimSpace(doc.SystemPrompt) != "" {
		s.SystemPrompt = doc.SystemPrompt
	}
	if strings.TrimSpace(doc.Model) != "" {
		s.Model = doc.Model
	}
	if s.Name == "" {
		s.Name = doc.ID
	}
	return s
}

type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

func NewRegistry(scorers ...Scorer) *Registry {
	r := &Registry{scorers: make(map[string]Scorer, len(scorers))}
	for _, scorer := range scorers {
		r.Register(scorer)
	}
	return r
}

// DefaultRegistry holds the built-in hallucination, context relevance and
// conciseness scorers.
func DefaultRegistry() *Registry {
	return NewRegistry(HallucinationScorer(), ContextRelevanceScorer(), ConcisenessScorer())
}

func (r *Registry) Register(scorer Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[scorer.Name] = scorer
}

func (r *Registry) Lookup(name string) (Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scorer, ok := r.scorers[name]
	return scorer, ok
}

// Resolve finds the scorer for cfg by "<score_name>_llm", then by the
// template id. A template document with its own prompt stands in for an
// unregistered scorer.
func (r *Registry) Resolve(cfg Config, doc *TemplateDocument) (Scorer, error) {
	scorer, ok := r.Lookup(cfg.ScoreName + "_llm")
	if !ok {
		scorer, ok = r.Lookup(cfg.Template.ID)
	}
	if doc != nil {
		if !ok && strings.TrimSpace(doc.Template) == "" {
			return Scorer{}, fmt.Errorf("%w: template %q has no prompt", ErrUnknownScorer, doc.ID)
		}
		scorer = scorer.WithTemplate(*doc)
		ok = true
	}
	if !ok {
		return Scorer{}, fmt.Errorf("%w: %s_llm", ErrUnknownScorer, cfg.ScoreName)
	}
	if cfg.Template.Model != "" {
		scorer.Model = cfg.Template.Model
	}
	return scorer, nil
}

const (
	maxContextChars = 4000
	maxAnswerChars  = 2000
	scorerMaxTokens = 200
)

func HallucinationScorer() Scorer {
	return Scorer{
		Name: "hallucination_llm",
		SystemPrompt: "You are a strict hallucination evaluator. " +
			"Hallucination means information NOT supported by the provided context. " +
			"Return ONLY valid JSON.",
		UserTemplate: `Evaluate the hallucination of the following answer.

Definition:
Hallucination = information NOT supported by the context.

Scoring:
0.0 = no hallucination
0.5 = partially hallucinated
1.0 = heavily hallucinated

Question:
{{ question }}

Context:
{{ context }}

Answer:
{{ answer }}

Return ONLY valid JSON:
{"score": <float between 0 and 1>, "explanation": "<short explanation>"}`,
		Inputs:    []string{"question", "answer"},
		Limits:    map[string]int{"context": maxContextChars, "answer": maxAnswerChars},
		MaxTokens: scorerMaxTokens,
		Invert:    true,
	}
}

func ContextRelevanceScorer() Scorer {
	return Scorer{
		Name: "context_relevance_llm",
		SystemPrompt: "You are a strict RAG evaluator. " +
			"Evaluate how relevant the retrieved context is to the question. " +
			"Return ONLY valid JSON.",
		UserTemplate: `Evaluate the Context Relevance of the retrieved RAG context.

Definition:
Context Relevance = how well the retrieved context helps answer the question.

Scoring:
0.0 = completely irrelevant
0.5 = partially relevant
1.0 = fully relevant and sufficient

Question:
{{ question }}

Retrieved Context:
{{ context }}

Return ONLY valid JSON:
{"score": <float between 0 and 1>, "explanation": "<short explanation>"}`,
		Inputs:    []string{"question"},
		Limits:    map[string]int{"context": maxContextChars},
		MaxTokens: scorerMaxTokens,
	}
}

func ConcisenessScorer() Scorer {
	return Scorer{
		Name: "conciseness_llm",
		SystemPrompt: "You are a conciseness evaluator. " +
			"Judge if the answer is verbose, padded, repetitive, or unnecessarily long. " +
			"Return ONLY valid JSON.",
		UserTemplate: `Evaluate the conciseness of the AI answer.

Definition:
Conciseness = how short, clear, and to-the-point the answer is.

Question:
{{ question }}

Context:
{{ context }}

Answer:
{{ answer }}

Return ONLY valid JSON:
{"score": <float between 0 and 1>, "explanation": "<short reason>"}

Scoring Guide:
0.0 = extremely concise
0.5 = reasonably concise
1.0 = very verbose / padded`,
		Inputs:    []string{"answer"},
		Limits:    map[string]int{"context": 3000, "answer": maxAnswerChars},
		MaxTokens: scorerMaxTokens,
		Invert:    true,
	}
}
