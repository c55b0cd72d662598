package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

var (
	// ErrUnknownProfile is returned when a profile name is not defined.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrUnknownModel is returned when a model id is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
)

// table is one immutable generation of the catalog.
type table struct {
	records  map[string]*record
	ids      []string // sorted
	profiles map[string]Profile
}

// Catalog is the model registry. Reads are lock-free; reloads swap the whole
// table atomically and performance updates touch a single record.
type Catalog struct {
	tbl    atomic.Pointer[table]
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger for the catalog.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// New builds a catalog from models and profiles. Built-in profiles are
// used for any name not present in profiles.
func New(models []ModelSpec, profiles map[string]Profile, opts ...Option) (*Catalog, error) {
	c := &Catalog{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	t, err := buildTable(models, profiles, nil)
	if err != nil {
		return nil, err
	}
	c.tbl.Store(t)
	return c, nil
}

// buildTable validates models and creates a new table generation. Perf
// cells are carried over from prev for ids that survive.
func buildTable(models []ModelSpec, profiles map[string]Profile, prev *table) (*table, error) {
	t := &table{
		records:  make(map[string]*record, len(models)),
		profiles: DefaultProfiles(),
	}
	for name, p := range profiles {
		p.Name = name
		t.profiles[name] = p
	}

	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("catalog: model without id")
		}
		if _, dup := t.records[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model %q", m.ID)
		}
		if m.Tier < TierBudget || m.Tier > TierElite {
			return nil, fmt.Errorf("catalog: model %q has invalid tier", m.ID)
		}
		if m.CostPer1KInput < 0 || m.CostPer1KOutput < 0 {
			return nil, fmt.Errorf("catalog: model %q has negative price", m.ID)
		}

		var cell *perfCell
		if prev != nil {
			if old, ok := prev.records[m.ID]; ok {
				cell = old.perf
			}
		}
		if cell == nil {
			cell = newPerfCell(m.AvgLatencyMS, m.SuccessRate)
		}

		spec := m
		spec.Stages = append([]string(nil), m.Stages...)
		t.records[m.ID] = &record{spec: spec, perf: cell}
		t.ids = append(t.ids, m.ID)
	}
	sort.Strings(t.ids)
	return t, nil
}

// Replace installs a new table, preserving performance state for model ids
// present in both generations.
func (c *Catalog) Replace(models []ModelSpec, profiles map[string]Profile) error {
	for {
		old := c.tbl.Load()
		next, err := buildTable(models, profiles, old)
		if err != nil {
			return err
		}
		if c.tbl.CompareAndSwap(old, next) {
			c.logger.Info("model catalog replaced", "models", len(next.ids), "profiles", len(next.profiles))
			return nil
		}
	}
}

// update applies fn to a copy of the current static model list and swaps
// the result in.
func (c *Catalog) update(fn func([]ModelSpec) []ModelSpec) error {
	for {
		old := c.tbl.Load()
		models := make([]ModelSpec, 0, len(old.ids))
		for _, id := range old.ids {
			models = append(models, old.records[id].spec)
		}
		next, err := buildTable(fn(models), nil, old)
		if err != nil {
			return err
		}
		next.profiles = old.profiles
		if c.tbl.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Get returns a snapshot of one model.
func (c *Catalog) Get(id string) (ModelSpec, bool) {
	r, ok := c.tbl.Load().records[id]
	if !ok {
		return ModelSpec{}, false
	}
	return r.snapshot(), true
}

// All returns snapshots of every model, sorted by id.
func (c *Catalog) All() []ModelSpec {
	t := c.tbl.Load()
	out := make([]ModelSpec, 0, len(t.ids))
	for _, id := range t.ids {
		out = append(out, t.records[id].snapshot())
	}
	return out
}

// Len returns the number of models.
func (c *Catalog) Len() int {
	return len(c.tbl.Load().ids)
}

// Profile returns the named profile.
func (c *Catalog) Profile(name string) (Profile, error) {
	p, ok := c.tbl.Load().profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// ProfileNames returns the defined profile names, sorted.
func (c *Catalog) ProfileNames() []string {
	t := c.tbl.Load()
	names := make([]string, 0, len(t.profiles))
	for name := range t.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pricing returns the USD per 1K token prices of a model at this moment.
func (c *Catalog) Pricing(id string) (input, output float64, ok bool) {
	r, found := c.tbl.Load().records[id]
	if !found {
		return 0, 0, false
	}
	return r.spec.CostPer1KInput, r.spec.CostPer1KOutput, true
}

// Observe feeds one completed stage execution into the model's moving
// averages. Unknown ids are ignored.
func (c *Catalog) Observe(id string, latency time.Duration, success bool) {
	r, ok := c.tbl.Load().records[id]
	if !ok {
		return
	}
	r.perf.observe(latency, success)
}
