package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// fileModel is the on-disk form of one model entry.
type fileModel struct {
	ID              string   `yaml:"id"`
	Provider        string   `yaml:"provider"`
	Name            string   `yaml:"name"`
	CostPer1KInput  float64  `yaml:"cost_per_1k_input"`
	CostPer1KOutput float64  `yaml:"cost_per_1k_output"`
	Tier            string   `yaml:"tier"`
	AvgLatencyMS    float64  `yaml:"avg_latency_ms"`
	SuccessRate     *float64 `yaml:"success_rate"`
	ContextLength   int      `yaml:"context_length"`
	Streaming       *bool    `yaml:"streaming"`
	Stages          []string `yaml:"stages"`
}

// fileProfile is the on-disk form of one profile.
type fileProfile struct {
	Weights      Weights            `yaml:"weights"`
	Temperatures map[string]float64 `yaml:"temperatures"`
	Pinned       map[string]string  `yaml:"pinned"`
}

// File is the on-disk catalog document.
type File struct {
	Models   []fileModel            `yaml:"models"`
	Profiles map[string]fileProfile `yaml:"profiles"`
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) ([]ModelSpec, map[string]Profile, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse catalog: %w", err)
	}

	models := make([]ModelSpec, 0, len(f.Models))
	for i, fm := range f.Models {
		tier, err := ParseTier(fm.Tier)
		if err != nil {
			return nil, nil, fmt.Errorf("model %d (%s): %w", i, fm.ID, err)
		}
		m := ModelSpec{
			ID:              fm.ID,
			Provider:        fm.Provider,
			Name:            fm.Name,
			CostPer1KInput:  fm.CostPer1KInput,
			CostPer1KOutput: fm.CostPer1KOutput,
			Tier:            tier,
			AvgLatencyMS:    fm.AvgLatencyMS,
			SuccessRate:     1.0,
			ContextLength:   fm.ContextLength,
			Streaming:       true,
			Stages:          fm.Stages,
		}
		if fm.SuccessRate != nil {
			m.SuccessRate = *fm.SuccessRate
		}
		if fm.Streaming != nil {
			m.Streaming = *fm.Streaming
		}
		if m.Provider == "" {
			m.Provider = providerOf(m.ID)
		}
		models = append(models, m)
	}

	profiles := make(map[string]Profile, len(f.Profiles))
	for name, fp := range f.Profiles {
		p := Profile{
			Name:         name,
			Weights:      fp.Weights,
			Temperatures: fp.Temperatures,
			Pinned:       fp.Pinned,
		}
		if p.Temperatures == nil {
			p.Temperatures = stageTemperatures()
		}
		profiles[name] = p
	}

	return models, profiles, nil
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) ([]ModelSpec, map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Load builds a catalog from path, or from the embedded defaults when path
// is empty.
func Load(path string, opts ...Option) (*Catalog, error) {
	var (
		models   []ModelSpec
		profiles map[string]Profile
		err      error
	)
	if path == "" {
		models, profiles, err = Parse(defaultCatalog)
	} else {
		models, profiles, err = LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return New(models, profiles, opts...)
}

// Reload re-reads path and replaces the table.
func (c *Catalog) Reload(path string) error {
	models, profiles, err := LoadFile(path)
	if err != nil {
		return err
	}
	return c.Replace(models, profiles)
}

// providerOf derives the provider from a "provider/model" id.
func providerOf(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i]
		}
	}
	return ""
}
