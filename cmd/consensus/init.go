package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/config"
)

type initOptions struct {
	profile   string
	perRun    float64
	perDay    float64
	cacheKind string
}

func newInitCmd(root *rootOptions) *cobra.Command {
	o := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter consensus.json",
		Long: `Creates consensus.json in dir (default: the current directory) with the
API key read from $OPENROUTER_API_KEY, the default profile and budget
limits. An existing file is never overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.dir
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(root, o, dir)
		},
	}
	starter := config.Starter()
	f := cmd.Flags()
	f.StringVarP(&o.profile, "profile", "p", starter.Pipeline.Profile, "default routing profile")
	f.Float64Var(&o.perRun, "per-run", starter.Budget.PerRunUSD, "per-run budget in USD, 0 for none")
	f.Float64Var(&o.perDay, "per-day", starter.Budget.PerDayUSD, "daily budget in USD, 0 for none")
	f.StringVar(&o.cacheKind, "cache", starter.Cache.Persistent, "persistent cache tier: sqlite, redis or none")
	return cmd
}

func runInit(root *rootOptions, o *initOptions, dir string) error {
	if !validProfile(o.profile) {
		return fmt.Errorf("unknown profile %q", o.profile)
	}
	switch o.cacheKind {
	case config.PersistentSQLite, config.PersistentRedis, config.PersistentNone:
	default:
		return fmt.Errorf("unknown cache tier %q", o.cacheKind)
	}
	if o.perRun < 0 || o.perDay < 0 {
		return fmt.Errorf("budgets must not be negative")
	}

	cfg := config.Starter()
	cfg.Pipeline.Profile = o.profile
	cfg.Budget.PerRunUSD = o.perRun
	cfg.Budget.PerDayUSD = o.perDay
	cfg.Cache.Persistent = o.cacheKind
	if o.cacheKind == config.PersistentRedis {
		cfg.Cache.Redis.Addr = "localhost:6379"
	}

	if err := config.SaveProject(dir, cfg); err != nil {
		return err
	}
	abs, err := filepath.Abs(filepath.Join(dir, "consensus.json"))
	if err != nil {
		return err
	}
	fmt.Fprintf(root.out, "wrote %s\n", abs)
	return nil
}

func validProfile(name string) bool {
	_, ok := catalog.DefaultProfiles()[name]
	return ok
}
