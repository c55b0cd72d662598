package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leandrotocalini/consensus/internal/bridge"
	"github.com/leandrotocalini/consensus/internal/lifecycle"
	"github.com/leandrotocalini/consensus/internal/metrics"
	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/scheduler"
	"github.com/leandrotocalini/consensus/internal/session"
	"github.com/leandrotocalini/consensus/internal/telemetry"
)

const jobTimeout = 2 * time.Minute

type serveOptions struct {
	addr        string
	gracePeriod time.Duration
}

func newServeCmd(root *rootOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over WebSocket",
		Long: `Starts the WebSocket bridge. Each connection is a session (or joins the
one named by ?session=) whose requests run one at a time. The server also
exposes /healthz and Prometheus /metrics, purges expired cache entries and,
when configured, refreshes the model catalog from the gateway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root, o)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address (default from config, 127.0.0.1:8787)")
	cmd.Flags().DurationVar(&o.gracePeriod, "grace", lifecycle.DefaultShutdownConfig().GracePeriod, "time allowed for shutdown hooks")
	return cmd
}

func runServe(root *rootOptions, o *serveOptions) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	if o.addr == "" {
		o.addr = cfg.Server.Addr
	}
	logger := root.logger

	shutdownCfg := lifecycle.DefaultShutdownConfig()
	shutdownCfg.GracePeriod = o.gracePeriod
	mgr := lifecycle.NewManager(shutdownCfg, logger)

	code := mgr.Run(func(ctx context.Context) error {
		otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, "consensus", version, cfg.Telemetry.Insecure)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a, err := newApp(ctx, cfg, logger, forgetFinished)
		if err != nil {
			_ = otelShutdown(context.Background())
			return err
		}
		sched, err := newScheduler(a)
		if err != nil {
			a.Close()
			_ = otelShutdown(context.Background())
			return err
		}
		registry := session.NewRegistry(a.coord,
			session.WithQueueSize(cfg.Server.QueueSize),
			session.WithLogger(logger),
		)
		metrics.RegisterActiveSessions(a.registry, registry.ActiveSessions)

		// Hooks run in registration order.
		mgr.OnShutdown("sessions", registry.Shutdown)
		mgr.OnShutdown("scheduler", sched.Stop)
		mgr.OnShutdown("store", func(context.Context) error { return a.Close() })
		mgr.OnShutdown("telemetry", otelShutdown)
		sched.Start()

		srv := bridge.New(registry,
			bridge.WithLogger(logger),
			bridge.WithMetrics(a.metrics.Handler()),
		)

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Catalog.Watch && cfg.Catalog.Path != "" {
			g.Go(func() error {
				if err := a.catalog.Watch(gctx, cfg.Catalog.Path); err != nil {
					logger.Warn("catalog watch stopped", "err", err)
				}
				return nil
			})
		}
		g.Go(func() error {
			logger.Info("consensus serving", "addr", o.addr, "version", version)
			return srv.ListenAndServe(gctx, o.addr)
		})
		return g.Wait()
	})
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

// forgetFinished drops a run's in-memory ledger state once it ends; its
// records are already flushed to the store.
func forgetFinished(a *app, ev pipeline.Event) {
	if pipeline.Terminal(ev) {
		a.ledger.Forget(ev.Run())
	}
}

// newScheduler registers the maintenance jobs for a.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.WithLogger(a.logger), scheduler.WithJobTimeout(jobTimeout))
	if spec := a.cfg.Cache.PurgeCron; spec != "" {
		if err := sched.Add("cache-purge", spec, scheduler.CachePurge(a.cache, a.logger)); err != nil {
			return nil, err
		}
	}
	if spec := a.cfg.Catalog.SyncCron; spec != "" {
		if err := sched.Add("catalog-sync", spec, scheduler.CatalogSync(a.catalog, a.gateway)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
