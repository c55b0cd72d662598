package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoCandidates is returned when no model can serve a stage.
var ErrNoCandidates = errors.New("no candidate models")

// Candidate is a model together with its routing score.
type Candidate struct {
	Model  ModelSpec
	Score  float64
	Pinned bool
}

// Router selects models for pipeline stages from a Catalog.
type Router struct {
	catalog *Catalog
}

// NewRouter creates a router over the catalog.
func NewRouter(c *Catalog) *Router {
	return &Router{catalog: c}
}

// Catalog returns the underlying catalog.
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// Profile returns the named routing profile.
func (r *Router) Profile(name string) (Profile, error) {
	return r.catalog.Profile(name)
}

// Observe feeds a call outcome back into the catalog's performance stats.
func (r *Router) Observe(id string, latency time.Duration, success bool) {
	r.catalog.Observe(id, latency, success)
}

// Select returns the best model for stage under the named profile.
func (r *Router) Select(stage, profile string) (ModelSpec, error) {
	ranked, err := r.Rank(stage, profile)
	if err != nil {
		return ModelSpec{}, err
	}
	return ranked[0].Model, nil
}

// Fallbacks returns the top n models for stage, best first. The first
// element is what Select would return.
func (r *Router) Fallbacks(stage, profile string, n int) ([]ModelSpec, error) {
	ranked, err := r.Rank(stage, profile)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]ModelSpec, len(ranked))
	for i, c := range ranked {
		out[i] = c.Model
	}
	return out, nil
}

// Rank scores every model able to serve stage and sorts them best first.
// Ties are broken by lower blended cost, then by id.
func (r *Router) Rank(stage, profile string) ([]Candidate, error) {
	p, err := r.catalog.Profile(profile)
	if err != nil {
		return nil, err
	}

	var models []ModelSpec
	for _, m := range r.catalog.All() {
		if m.SupportsStage(stage) {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w for stage %s", ErrNoCandidates, stage)
	}

	ranked := Score(models, p.Weights)

	if pin, ok := p.Pinned[stage]; ok {
		for i, c := range ranked {
			if c.Model.ID == pin {
				c.Pinned = true
				copy(ranked[1:i+1], ranked[:i])
				ranked[0] = c
				break
			}
		}
	}
	return ranked, nil
}

// Score computes the weighted routing score of each model and returns them
// sorted best first. Cost and latency are normalised by the maximum among
// the given models.
func Score(models []ModelSpec, w Weights) []Candidate {
	var maxCost, maxLatency float64
	for _, m := range models {
		if c := m.blendedCost(); c > maxCost {
			maxCost = c
		}
		if m.AvgLatencyMS > maxLatency {
			maxLatency = m.AvgLatencyMS
		}
	}

	out := make([]Candidate, len(models))
	for i, m := range models {
		var normCost, normLatency float64
		if maxCost > 0 {
			normCost = m.blendedCost() / maxCost
		}
		if maxLatency > 0 {
			normLatency = m.AvgLatencyMS / maxLatency
		}
		out[i] = Candidate{
			Model: m,
			Score: m.Tier.capability()*w.Capability -
				normCost*w.Cost +
				m.SuccessRate*w.Success -
				normLatency*w.Latency,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ac, bc := a.Model.blendedCost(), b.Model.blendedCost(); ac != bc {
			return ac < bc
		}
		return a.Model.ID < b.Model.ID
	})
	return out
}
