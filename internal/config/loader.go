package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	globalDirName   = ".consensus"
	globalFile      = "config.json"
	projectFile     = "consensus.json"
	defaultDBFile   = "consensus.db"
	apiKeyEnv       = "OPENROUTER_API_KEY"
	defaultBaseURL  = "https://openrouter.ai/api/v1"
	defaultAddr     = "127.0.0.1:8787"
	defaultTitle    = "consensus"
	defaultPurge    = "@hourly"
	defaultProfile  = "balanced"
	defaultTimeout  = 120
	defaultCacheTTL = 24 * 60
	defaultMaxChars = 60000
	defaultMemory   = 1024
	defaultQueue    = 8

	defaultRetryCeiling = 2
	defaultMaxTokens    = 8000
)

// ErrMissingAPIKey is returned by RequireAPIKey when no gateway key is set.
var ErrMissingAPIKey = errors.New("gateway.apiKey is required (or set " + apiKeyEnv + ")")

// envVarPattern matches ${VAR_NAME} references in string values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the global (~/.consensus/config.json) and project
// (consensus.json) configuration files and returns the merged result. The
// project file is found by walking up from startDir; either file may be
// absent. globalDir overrides the default ~/.consensus/ location (useful for
// testing).
func Load(startDir, globalDir string) (*Config, error) {
	if globalDir == "" {
		dir, err := GlobalDir()
		if err != nil {
			return nil, err
		}
		globalDir = dir
	}

	var cfg Config

	globalPath := filepath.Join(globalDir, globalFile)
	if err := loadJSON(globalPath, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load global config %s: %w", globalPath, err)
	}

	root, err := findProjectRoot(startDir)
	if err != nil {
		return nil, fmt.Errorf("find project root: %w", err)
	}
	if root != "" {
		projectPath := filepath.Join(root, projectFile)
		if err := loadJSON(projectPath, &cfg); err != nil {
			return nil, fmt.Errorf("load project config %s: %w", projectPath, err)
		}
		cfg.Root = root
	}

	applyDefaults(&cfg, globalDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// GlobalDir returns ~/.consensus.
func GlobalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, globalDirName), nil
}

// RequireAPIKey reports ErrMissingAPIKey when the gateway cannot be called.
func (c *Config) RequireAPIKey() error {
	if c.Gateway.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// findProjectRoot walks up the directory tree from startDir looking for a
// directory that contains consensus.json. It returns "" when none exists.
func findProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		info, err := os.Stat(filepath.Join(dir, projectFile))
		if err == nil && !info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// loadJSON reads a JSON file, resolves ${VAR} references, and unmarshals it
// into dest. Fields absent from the file keep their current values.
func loadJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	resolved := resolveEnvVars(string(data))

	if err := json.Unmarshal([]byte(resolved), dest); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// resolveEnvVars replaces all ${VAR_NAME} patterns in s with the
// corresponding environment variable values. Unset variables resolve to "".
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // strip ${ and }
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config, globalDir string) {
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = defaultBaseURL
	}
	if cfg.Gateway.Title == "" {
		cfg.Gateway.Title = defaultTitle
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = defaultTimeout
	}
	if cfg.Context.MaxTokens == 0 {
		cfg.Context.MaxTokens = defaultMaxTokens
	}
	if cfg.Pipeline.Profile == "" {
		cfg.Pipeline.Profile = defaultProfile
	}
	if cfg.Pipeline.CacheTTLMinutes == 0 {
		cfg.Pipeline.CacheTTLMinutes = defaultCacheTTL
	}
	if cfg.Quality.MaxChars == 0 {
		cfg.Quality.MaxChars = defaultMaxChars
	}
	if cfg.Quality.EchoSimilarity == 0 {
		cfg.Quality.EchoSimilarity = 1
	}
	if cfg.Cache.MemoryEntries == 0 {
		cfg.Cache.MemoryEntries = defaultMemory
	}
	if cfg.Cache.Persistent == "" {
		cfg.Cache.Persistent = PersistentSQLite
	}
	if cfg.Cache.PurgeCron == "" {
		cfg.Cache.PurgeCron = defaultPurge
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(globalDir, defaultDBFile)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = defaultQueue
	}

	// Relative paths in the project file are relative to the project root.
	if cfg.Root != "" {
		for _, p := range []*string{&cfg.Catalog.Path, &cfg.Store.Path, &cfg.Decisions.Path, &cfg.Seeds.Dir} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(cfg.Root, *p)
			}
		}
	}
}

// validate checks field ranges and reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Pipeline.RetryCeiling != nil && *cfg.Pipeline.RetryCeiling < 0 {
		errs = append(errs, "pipeline.retryCeiling must be >= 0")
	}
	if cfg.Pipeline.StageTimeoutSeconds < 0 {
		errs = append(errs, "pipeline.stageTimeoutSeconds must be >= 0")
	}
	if cfg.Pipeline.BudgetApprovalTimeoutSeconds < 0 {
		errs = append(errs, "pipeline.budgetApprovalTimeoutSeconds must be >= 0")
	}
	if cfg.Pipeline.CacheTTLMinutes < 0 {
		errs = append(errs, "pipeline.cacheTTLMinutes must be >= 0")
	}
	if cfg.Quality.MaxChars < 0 {
		errs = append(errs, "quality.maxChars must be >= 0")
	}
	if cfg.Quality.EchoSimilarity < 0 || cfg.Quality.EchoSimilarity > 1 {
		errs = append(errs, "quality.echoSimilarity must be within [0, 1]")
	}
	if cfg.Budget.PerRunUSD < 0 || cfg.Budget.PerDayUSD < 0 {
		errs = append(errs, "budget limits must be >= 0")
	}
	if cfg.Context.MaxTokens < 0 {
		errs = append(errs, "context.maxTokens must be >= 0")
	}
	switch cfg.Cache.Persistent {
	case PersistentSQLite, PersistentNone:
	case PersistentRedis:
		if cfg.Cache.Redis.Addr == "" {
			errs = append(errs, "cache.redis.addr is required when cache.persistent is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.persistent %q must be sqlite, redis or none", cfg.Cache.Persistent))
	}
	if cfg.Server.QueueSize < 0 {
		errs = append(errs, "server.queueSize must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid fields:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ProjectRoot returns the directory holding consensus.json above startDir,
// or "" if there is none.
func ProjectRoot(startDir string) (string, error) {
	return findProjectRoot(startDir)
}
