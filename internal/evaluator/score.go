package evaluator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ongoingai/llmops/internal/trace"
)

var (
	labeledScorePattern = regexp.MustCompile(`(?i)score[:\s]+(-?\d+(?:\.\d+)?)`)
	numberPattern       = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// ParsedOutput is what could be read from one judge response.
type ParsedOutput struct {
	Score          *float64
	Classification string
	Explanation    string
}

// ParseOutput extracts a score from free-text model output. A JSON object
// with a score field wins; otherwise a labeled "score: n" pattern, then the
// first number anywhere. Scores are clamped to [0, 1]; no number yields a
// nil score.
func ParseOutput(text string) ParsedOutput {
	cleaned := strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(text))
	if parsed, ok := parseJSONOutput(cleaned); ok {
		return parsed
	}
	if match := labeledScorePattern.FindStringSubmatch(cleaned); match != nil {
		if value, err := strconv.ParseFloat(match[1], 64); err == nil {
			return ParsedOutput{Score: clampScore(value)}
		}
	}
	if match := numberPattern.FindString(cleaned); match != "" {
		if value, err := strconv.ParseFloat(match, 64); err == nil {
			return ParsedOutput{Score: clampScore(value)}
		}
	}
	return ParsedOutput{}
}

func parseJSONOutput(text string) (ParsedOutput, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ParsedOutput{}, false
	}
	values := trace.DecodeMap([]byte(text[start : end+1]))
	if values == nil {
		return ParsedOutput{}, false
	}
	score, ok := trace.FloatField(values, "score")
	if !ok {
		return ParsedOutput{}, false
	}
	out := ParsedOutput{
		Score:       clampScore(score),
		Explanation: trace.StringField(values, "explanation"),
	}
	if label := trace.StringField(values, "classification"); label != "" {
		out.Classification = strings.ToLower(label)
	} else if label := trace.StringField(values, "label"); label != "" {
		out.Classification = strings.ToLower(label)
	}
	return out, true
}

func clampScore(value float64) *float64 {
	value = min(max(value, 0), 1)
	return &value
}

// classify labels a post-processed score when the judge gave no label.
func classify(score float64) string {
	if score >= 0.5 {
		return ClassificationPass
	}
	return ClassificationFail
}
