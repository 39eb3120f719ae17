package evaluator

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	t.Parallel()

	got, err := Render("Q: {{question}}\nA: {{ answer }}\nQ again: {{  question  }}", map[string]string{
		"question": "why?",
		"answer":   "because",
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if want := "Q: why?\nA: because\nQ again: why?"; got != want {
		t.Fatalf("Render()=%q, want %q", got, want)
	}

	if _, err := Render("{{ missing }} and {{ other }}", map[string]string{}); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("Render(missing) error=%v, want ErrMissingInput", err)
	} else if !strings.Contains(err.Error(), "missing, other") {
		t.Fatalf("error=%q, want both names", err)
	}

	literal := `Return ONLY valid JSON: {"score": <float>}`
	if got, err := Render(literal, nil); err != nil || got != literal {
		t.Fatalf("Render(literal)=%q, %v", got, err)
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	got := Placeholders(HallucinationScorer().UserTemplate)
	if want := []string{"question", "context", "answer"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Placeholders()=%v, want %v", got, want)
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncateRunes("héllo", 2); got != "hé" {
		t.Fatalf("truncateRunes()=%q", got)
	}
	if got := truncateRunes("abc", 0); got != "abc" {
		t.Fatalf("truncateRunes(no limit)=%q", got)
	}
}
