// Package catalog holds the table of available remote models and selects
// models per pipeline stage according to a weighting profile.
//
// Static model data is immutable once loaded. Performance fields
// (latency, success rate) live in per-record atomic state and are updated
// with compare-and-swap, so selection never waits on a writer.
package catalog

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stage names understood by the catalog.
const (
	StageGenerate = "generate"
	StageRefine   = "refine"
	StageValidate = "validate"
	StageCurate   = "curate"
)

// ewmaWeight is the weight of a new observation: new = 0.9*old + 0.1*observed.
const ewmaWeight = 0.1

// Tier is a model's capability tier.
type Tier int

const (
	TierBudget Tier = iota + 1
	TierMid
	TierElite
)

func (t Tier) String() string {
	switch t {
	case TierBudget:
		return "budget"
	case TierMid:
		return "mid"
	case TierElite:
		return "elite"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "budget", "low":
		return TierBudget, nil
	case "mid", "medium", "standard":
		return TierMid, nil
	case "elite", "high", "premium":
		return TierElite, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// capability maps the tier onto (0, 1].
func (t Tier) capability() float64 {
	if t < TierBudget {
		return 0
	}
	return float64(t) / float64(TierElite)
}

// ModelSpec is a point-in-time snapshot of one model's metadata.
type ModelSpec struct {
	ID              string
	Provider        string
	Name            string
	CostPer1KInput  float64 // USD per 1K prompt tokens
	CostPer1KOutput float64 // USD per 1K completion tokens
	Tier            Tier
	AvgLatencyMS    float64
	SuccessRate     float64
	ContextLength   int
	Streaming       bool
	Stages          []string // empty = all stages
}

// SupportsStage reports whether the model may be used for stage.
func (m ModelSpec) SupportsStage(stage string) bool {
	if len(m.Stages) == 0 {
		return true
	}
	for _, s := range m.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// blendedCost is the mean of input and output price, used for ranking.
func (m ModelSpec) blendedCost() float64 {
	return (m.CostPer1KInput + m.CostPer1KOutput) / 2
}

// perfStats is one committed performance value. Never mutated after publish.
type perfStats struct {
	latencyMS   float64
	successRate float64
	samples     int64
}

// perfCell is shared by every table generation that contains the same
// model id, so reloads do not lose observations.
type perfCell struct {
	v atomic.Pointer[perfStats]
}

func newPerfCell(latencyMS, successRate float64) *perfCell {
	c := &perfCell{}
	c.v.Store(&perfStats{latencyMS: latencyMS, successRate: successRate})
	return c
}

func (c *perfCell) load() perfStats {
	return *c.v.Load()
}

// observe folds one observation into the EWMA with a CAS loop.
func (c *perfCell) observe(latency time.Duration, success bool) {
	observedSuccess := 0.0
	if success {
		observedSuccess = 1.0
	}
	observedLatency := float64(latency) / float64(time.Millisecond)

	for {
		old := c.v.Load()
		next := &perfStats{
			successRate: (1-ewmaWeight)*old.successRate + ewmaWeight*observedSuccess,
			latencyMS:   old.latencyMS,
			samples:     old.samples + 1,
		}
		// Failures carry no meaningful latency.
		if success && latency > 0 {
			next.latencyMS = (1-ewmaWeight)*old.latencyMS + ewmaWeight*observedLatency
		}
		if c.v.CompareAndSwap(old, next) {
			return
		}
	}
}

// record pairs immutable static data with its live performance cell.
type record struct {
	spec ModelSpec
	perf *perfCell
}

func (r *record) snapshot() ModelSpec {
	s := r.spec
	s.Stages = append([]string(nil), r.spec.Stages...)
	p := r.perf.load()
	s.AvgLatencyMS = p.latencyMS
	s.SuccessRate = p.successRate
	return s
}
