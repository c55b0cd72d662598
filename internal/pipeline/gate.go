package pipeline

import (
	"fmt"
	"strings"
	"unicode"
)

// Gate defaults.
const (
	DefaultMaxChars       = 60000
	DefaultEchoSimilarity = 1.0
)

// QualityGate decides whether a stage's output may advance the run.
type QualityGate struct {
	// MaxChars rejects output longer than this that did not end on a
	// natural stop. Zero disables the check.
	MaxChars int `json:"maxChars"`
	// EchoSimilarity is the word-set Jaccard similarity at or above which
	// output counts as an echo of the previous stage. 1 only rejects exact
	// copies.
	EchoSimilarity float64 `json:"echoSimilarity"`
}

// DefaultQualityGate returns the gate used when none is configured.
func DefaultQualityGate() QualityGate {
	return QualityGate{MaxChars: DefaultMaxChars, EchoSimilarity: DefaultEchoSimilarity}
}

// Check returns a non-empty reason when text must be rejected. previous is
// the accepted output of the preceding stage, empty for generate.
// naturalStop reports whether the model ended on its own.
func (g QualityGate) Check(text, previous string, naturalStop bool) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty output"
	}
	if prev := strings.TrimSpace(previous); prev != "" {
		if trimmed == prev {
			return "output repeats the previous stage unchanged"
		}
		if g.EchoSimilarity > 0 && g.EchoSimilarity < 1 {
			if sim := jaccard(trimmed, prev); sim >= g.EchoSimilarity {
				return fmt.Sprintf("output is %.0f%% identical to the previous stage", sim*100)
			}
		}
	}
	if g.MaxChars > 0 && !naturalStop {
		if n := len([]rune(text)); n > g.MaxChars {
			return fmt.Sprintf("output of %d characters exceeds %d without a natural stop", n, g.MaxChars)
		}
	}
	return ""
}

func jaccard(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
