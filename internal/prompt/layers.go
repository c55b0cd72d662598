// Package prompt assembles layered request context under a token budget and
// builds the per-stage chat messages sent to the gateway.
package prompt

import (
	"errors"
	"unicode/utf8"
)

// ErrContextOverflow is returned when the immediate layer alone does not fit
// the token budget. Nothing is sent to the gateway in that case.
var ErrContextOverflow = errors.New("context overflow: immediate layer exceeds token budget")

// LayerKind orders context layers. Lower values have higher priority.
type LayerKind int

const (
	LayerImmediate LayerKind = iota
	LayerRelated
	LayerProjectPattern
	LayerHistory
	LayerTemporal
)

func (k LayerKind) String() string {
	switch k {
	case LayerImmediate:
		return "immediate"
	case LayerRelated:
		return "related"
	case LayerProjectPattern:
		return "project_pattern"
	case LayerHistory:
		return "history"
	case LayerTemporal:
		return "temporal"
	default:
		return "unknown"
	}
}

// ParseLayerKind parses a layer name as produced by String.
func ParseLayerKind(s string) (LayerKind, bool) {
	for k := LayerImmediate; k <= LayerTemporal; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Fragment is one opaque piece of context supplied by a collaborator.
type Fragment struct {
	Kind   LayerKind `json:"kind"`
	Text   string    `json:"text"`
	Weight float64   `json:"weight,omitempty"`
	Source string    `json:"source,omitempty"`
}

// Layer is a fragment as it appears in the assembled context.
type Layer struct {
	Kind      LayerKind
	Source    string
	Text      string
	Weight    float64
	Tokens    int
	Truncated bool
}

// Trim records a layer that was cut or dropped to fit the budget.
type Trim struct {
	Kind       LayerKind
	Source     string
	FromTokens int
	ToTokens   int // 0 when dropped
}

// Dropped reports whether the layer was removed entirely.
func (t Trim) Dropped() bool { return t.ToTokens == 0 }

// Assembled is the result of context assembly.
type Assembled struct {
	Query     string
	Layers    []Layer
	Text      string // layers joined in priority order
	Tokens    int    // estimate for Query plus Text; never above the budget
	MaxTokens int
	Temporal  bool // temporal layer present
	Trimmed   []Trim
}

// TokenEstimator returns an approximate token count for s.
type TokenEstimator func(s string) int

// EstimateTokens approximates tokens as runes/4, rounded up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}
