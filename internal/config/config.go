// Package config handles loading and validation of the global and
// per-project configuration files for consensus.
package config

import "time"

// Config is the merged configuration. The global file
// (~/.consensus/config.json) is read first and the project file
// (consensus.json) is layered over it field by field.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Catalog   CatalogConfig   `json:"catalog"`
	Context   ContextConfig   `json:"context"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Quality   QualityConfig   `json:"quality"`
	Budget    BudgetConfig    `json:"budget"`
	Cache     CacheConfig     `json:"cache"`
	Store     StoreConfig     `json:"store"`
	Server    ServerConfig    `json:"server"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Decisions DecisionsConfig `json:"decisions"`
	Seeds     SeedsConfig     `json:"seeds"`

	// Root is the directory holding the project file, or "" when only the
	// global file was found.
	Root string `json:"-"`
}

type GatewayConfig struct {
	APIKey         string `json:"apiKey"`
	BaseURL        string `json:"baseURL,omitempty"`
	Referer        string `json:"referer,omitempty"`
	Title          string `json:"title,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"` // per call, default 120
}

// CatalogConfig points at a YAML model table. An empty path uses the
// embedded default table.
type CatalogConfig struct {
	Path     string `json:"path,omitempty"`
	Watch    bool   `json:"watch,omitempty"`
	SyncCron string `json:"syncCron,omitempty"` // e.g. "@every 6h"; empty disables
}

type ContextConfig struct {
	MaxTokens        int      `json:"maxTokens,omitempty"` // default 8000
	TemporalKeywords []string `json:"temporalKeywords,omitempty"`
}

type PipelineConfig struct {
	Profile                      string `json:"profile,omitempty"`      // default "balanced"
	RetryCeiling                 *int   `json:"retryCeiling,omitempty"` // default 2; 0 disables fallbacks
	StageTimeoutSeconds          int    `json:"stageTimeoutSeconds,omitempty"`
	BudgetApprovalTimeoutSeconds int    `json:"budgetApprovalTimeoutSeconds,omitempty"`
	CacheTTLMinutes              int    `json:"cacheTTLMinutes,omitempty"` // default 1440
}

type QualityConfig struct {
	MaxChars       int     `json:"maxChars,omitempty"`       // default 60000
	EchoSimilarity float64 `json:"echoSimilarity,omitempty"` // default 1.0 (exact echo only)
}

// BudgetConfig limits spend in US dollars. Zero disables a limit.
type BudgetConfig struct {
	PerRunUSD float64 `json:"perRunUSD,omitempty"`
	PerDayUSD float64 `json:"perDayUSD,omitempty"`
}

const (
	PersistentSQLite = "sqlite"
	PersistentRedis  = "redis"
	PersistentNone   = "none"
)

type CacheConfig struct {
	MemoryEntries int         `json:"memoryEntries,omitempty"` // default 1024
	Persistent    string      `json:"persistent,omitempty"`    // sqlite (default), redis or none
	Redis         RedisConfig `json:"redis,omitempty"`
	PurgeCron     string      `json:"purgeCron,omitempty"` // default "@hourly"
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path,omitempty"` // default ~/.consensus/consensus.db
}

type ServerConfig struct {
	Addr      string `json:"addr,omitempty"`      // default 127.0.0.1:8787
	QueueSize int    `json:"queueSize,omitempty"` // per session, default 8
}

// TelemetryConfig enables OTLP/HTTP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string `json:"otlpEndpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

type DecisionsConfig struct {
	Path string `json:"path,omitempty"` // empty disables the decision log
}

// SeedsConfig points at a directory of per-stage seed prompt overrides.
type SeedsConfig struct {
	Dir string `json:"dir,omitempty"`
}

// CallTimeout returns the per-call gateway timeout.
func (g GatewayConfig) CallTimeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// StageTimeout returns the per-attempt stage timeout, 0 for none.
func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns how long a suspended run waits, 0 for forever.
func (p PipelineConfig) ApprovalTimeout() time.Duration {
	return time.Duration(p.BudgetApprovalTimeoutSeconds) * time.Second
}

// CacheTTL returns how long cached stage outputs live.
func (p PipelineConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLMinutes) * time.Minute
}

// Retries returns the retry ceiling.
func (p PipelineConfig) Retries() int {
	if p.RetryCeiling == nil {
		return defaultRetryCeiling
	}
	return *p.RetryCeiling
}
