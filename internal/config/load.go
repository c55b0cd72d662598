package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Exists checks if dir holds a project file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, projectFile))
	return err == nil
}

// Starter returns the project file written by `consensus init`.
func Starter() *Config {
	retries := defaultRetryCeiling
	return &Config{
		Gateway:  GatewayConfig{APIKey: "${" + apiKeyEnv + "}"},
		Pipeline: PipelineConfig{Profile: defaultProfile, RetryCeiling: &retries},
		Budget:   BudgetConfig{PerRunUSD: 0.5, PerDayUSD: 10},
		Cache:    CacheConfig{Persistent: PersistentSQLite},
	}
}

// SaveProject writes <dir>/consensus.json. It refuses to overwrite an
// existing file.
func SaveProject(dir string, cfg *Config) error {
	if Exists(dir) {
		return fmt.Errorf("%s already exists in %s", projectFile, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return saveJSON(filepath.Join(dir, projectFile), cfg)
}

func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
