package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/cache"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/config"
	"github.com/leandrotocalini/consensus/internal/decisions"
	"github.com/leandrotocalini/consensus/internal/metrics"
	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/prompt"
	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
	"github.com/leandrotocalini/consensus/internal/store"
	"github.com/leandrotocalini/consensus/internal/telemetry"
)

// app holds the collaborators every pipeline command shares.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	catalog   *catalog.Catalog
	router    *catalog.Router
	gateway   *openrouter.Client
	cache     *cache.Hierarchy[pipeline.StageResult]
	ledger    *budget.Ledger
	seeds     *prompt.SeedCache
	assembler *prompt.Assembler
	coord     *pipeline.Coordinator

	registry *prometheus.Registry
	metrics  *metrics.Collectors

	closers []func() error
}

// openStore opens the SQLite store named by cfg.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openCatalog loads the model catalog; an empty path uses the built-in table.
func openCatalog(cfg *config.Config, logger *slog.Logger) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Catalog.Path, catalog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) *openrouter.Client {
	return openrouter.NewClient(cfg.Gateway.APIKey,
		openrouter.WithBaseURL(cfg.Gateway.BaseURL),
		openrouter.WithAppInfo(cfg.Gateway.Referer, cfg.Gateway.Title),
		openrouter.WithCallTimeout(cfg.Gateway.CallTimeout()),
		openrouter.WithLogger(logger),
	)
}

func newLedger(cfg *config.Config, prices budget.PriceSource, st *store.Store, logger *slog.Logger) *budget.Ledger {
	limits := budget.Limits{PerRunUSD: cfg.Budget.PerRunUSD, PerDayUSD: cfg.Budget.PerDayUSD}
	opts := []budget.Option{budget.WithLogger(logger)}
	if st != nil {
		opts = append(opts, budget.WithStore(st))
	}
	return budget.NewLedger(prices, limits, opts...)
}

// newApp builds the pipeline from cfg. Extra observers see every event
// after the built-in metrics and decision log.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, observers ...func(*app, pipeline.Event)) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	var err error

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.catalog, err = openCatalog(cfg, logger); err != nil {
		return nil, err
	}
	a.router = catalog.NewRouter(a.catalog)
	a.gateway = newGateway(cfg, logger)

	if a.cache, err = a.openCache(ctx); err != nil {
		return nil, err
	}

	a.ledger = newLedger(cfg, a.catalog, a.store, logger)
	if err := a.ledger.SeedDaily(ctx, a.store); err != nil {
		logger.Warn("could not seed today's spend", "err", err)
	}

	a.seeds = prompt.NewSeedCache(cfg.Seeds.Dir, prompt.WithCacheLogger(logger))
	a.assembler = prompt.NewAssembler(
		prompt.WithMaxTokens(cfg.Context.MaxTokens),
		prompt.WithTemporalKeywords(cfg.Context.TemporalKeywords),
		prompt.WithLogger(logger),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	runMetrics, err := telemetry.NewRunMetrics(telemetry.Meter("consensus"))
	if err != nil {
		return nil, fmt.Errorf("run metrics: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithConfig(pipelineConfig(cfg)),
		pipeline.WithAssembler(a.assembler),
		pipeline.WithSeeds(a.seeds),
		pipeline.WithCache(a.cache),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(a.metrics.Observe),
		pipeline.WithObserver(runMetrics.Observe),
	}
	if cfg.Decisions.Path != "" {
		dlog, err := decisions.NewFileLogger(cfg.Decisions.Path, "pipeline")
		if err != nil {
			return nil, fmt.Errorf("decision log: %w", err)
		}
		a.closers = append(a.closers, dlog.Close)
		opts = append(opts, pipeline.WithObserver(decisions.NewRecorder(dlog, logger).Observe))
	}
	for _, fn := range observers {
		opts = append(opts, pipeline.WithObserver(func(ev pipeline.Event) { fn(a, ev) }))
	}
	a.coord = pipeline.New(a.gateway, a.router, a.ledger, opts...)
	built = true
	return a, nil
}

// openCache builds the memory tier and the configured persistent tier.
func (a *app) openCache(ctx context.Context) (*cache.Hierarchy[pipeline.StageResult], error) {
	mem, err := cache.NewMemoryTier[pipeline.StageResult](a.cfg.Cache.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	opts := []cache.Option{cache.WithLogger(a.logger)}

	switch a.cfg.Cache.Persistent {
	case config.PersistentRedis:
		rt, err := cache.NewRedisTier(ctx, cache.RedisConfig{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rt.Close)
		return cache.New(mem, rt, opts...), nil
	case config.PersistentNone:
		return cache.New[pipeline.StageResult](mem, nil, opts...), nil
	default:
		return cache.New(mem, a.store, opts...), nil
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Profile = cfg.Pipeline.Profile
	pc.RetryCeiling = cfg.Pipeline.Retries()
	pc.StageTimeout = cfg.Pipeline.StageTimeout()
	pc.ApprovalTimeout = cfg.Pipeline.ApprovalTimeout()
	pc.CacheTTL = cfg.Pipeline.CacheTTL()
	pc.Gate.MaxChars = cfg.Quality.MaxChars
	pc.Gate.EchoSimilarity = cfg.Quality.EchoSimilarity
	return pc
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
