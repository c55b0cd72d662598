package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/prompt"
)

const tracerName = "github.com/leandrotocalini/consensus/internal/pipeline"

// Defaults applied by DefaultConfig.
const (
	DefaultRetryCeiling = 2
	DefaultCacheTTL     = 24 * time.Hour
	DefaultEventBuffer  = 256
	DefaultProfile      = catalog.ProfileBalanced

	commandBuffer = 16
	flushTimeout  = 5 * time.Second
	// terminalGrace bounds how long a terminal event waits for buffer
	// room after the caller's context is done.
	terminalGrace = 2 * time.Second
)

// Models routes stages to models and learns from call outcomes.
// *catalog.Router satisfies it.
type Models interface {
	Fallbacks(stage, profile string, n int) ([]catalog.ModelSpec, error)
	Profile(name string) (catalog.Profile, error)
	Observe(id string, latency time.Duration, success bool)
}

// Ledger records the cost of every call. *budget.Ledger satisfies it.
type Ledger interface {
	Record(runID, stage, model string, usage budget.TokenUsage) (budget.CostRecord, error)
	RunTotal(runID string) budget.Micros
	Approve(runID string)
	Approved(runID string) bool
	Flush(ctx context.Context, runID string) error
}

// Cache stores accepted generate and refine results.
// *cache.Hierarchy[StageResult] satisfies it.
type Cache interface {
	Get(ctx context.Context, fp string) (StageResult, bool)
	Put(ctx context.Context, fp, stage string, v StageResult, ttl time.Duration) error
}

// Seeds supplies stage system prompts. *prompt.SeedCache satisfies it.
type Seeds interface {
	Get(stage string) (*prompt.StageSeeds, error)
}

type builtinSeeds struct{}

func (builtinSeeds) Get(stage string) (*prompt.StageSeeds, error) {
	return prompt.DefaultStageSeeds(stage)
}

// Config tunes run behaviour.
type Config struct {
	// RetryCeiling is how many extra models a stage may try after the
	// first fails or is rejected.
	RetryCeiling int
	// StageTimeout bounds each attempt. Zero leaves it to the gateway.
	StageTimeout time.Duration
	// ApprovalTimeout bounds a budget suspension. Zero waits indefinitely.
	ApprovalTimeout time.Duration
	// CacheTTL is how long cached stage results live. Zero keeps them.
	CacheTTL time.Duration
	// Profile is used for requests that name none.
	Profile     string
	MaxTokens   int
	EventBuffer int
	Gate        QualityGate
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		RetryCeiling: DefaultRetryCeiling,
		CacheTTL:     DefaultCacheTTL,
		Profile:      DefaultProfile,
		EventBuffer:  DefaultEventBuffer,
		Gate:         DefaultQualityGate(),
	}
}

// Coordinator starts runs and holds the collaborators they share.
type Coordinator struct {
	gateway   Gateway
	models    Models
	ledger    Ledger
	assembler *prompt.Assembler
	seeds     Seeds
	cache     Cache
	cfg       Config
	logger    *slog.Logger
	observers []func(Event)
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the run configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithAssembler sets the context assembler.
func WithAssembler(a *prompt.Assembler) Option {
	return func(c *Coordinator) {
		c.assembler = a
	}
}

// WithSeeds sets where stage system prompts come from.
func WithSeeds(s Seeds) Option {
	return func(c *Coordinator) {
		c.seeds = s
	}
}

// WithCache enables result caching for generate and refine.
func WithCache(cache Cache) Option {
	return func(c *Coordinator) {
		c.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithObserver registers fn to see every event of every run, before it is
// delivered. fn runs on the run's goroutine and must not block.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// WithClock overrides the time source for request and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator overrides how run IDs are assigned.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// New creates a coordinator.
func New(gateway Gateway, models Models, ledger Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:   gateway,
		models:    models,
		ledger:    ledger,
		assembler: prompt.NewAssembler(),
		seeds:     builtinSeeds{},
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.RetryCeiling < 0 {
		c.cfg.RetryCeiling = 0
	}
	if c.cfg.EventBuffer <= 0 {
		c.cfg.EventBuffer = DefaultEventBuffer
	}
	if c.cfg.Profile == "" {
		c.cfg.Profile = DefaultProfile
	}
	return c
}

// Config returns the run configuration in effect.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Start validates req and launches its run. Missing ID, profile and
// creation time are filled in. The caller must drain Events until it is
// closed. Cancelling ctx cancels the run.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if req.Profile == "" {
		req.Profile = c.cfg.Profile
	}
	if _, err := c.models.Profile(req.Profile); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if req.ID == "" {
		req.ID = c.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		c:        c,
		req:      req,
		parent:   ctx,
		ctx:      runCtx,
		cancel:   cancel,
		logger:   c.logger.With("run", req.ID),
		events:   make(chan Event, c.cfg.EventBuffer),
		commands: make(chan Command, commandBuffer),
		done:     make(chan struct{}),
		profile:  req.Profile,
	}
	go r.loop()
	return r, nil
}
