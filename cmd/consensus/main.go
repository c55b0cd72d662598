// Command consensus runs queries through the generate, refine, validate and
// curate stages and serves the same pipeline over a WebSocket bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitCode lets a command choose the process exit status without printing
// an error.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// rootOptions holds global flags and state shared by subcommands.
type rootOptions struct {
	dir       string
	globalDir string
	logLevel  string

	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
	cfg    *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "consensus",
		Short: "Multi-model consensus pipeline",
		Long: `consensus answers a query by passing it through four model stages:
generate drafts an answer, refine improves it, validate checks it and
curate writes the final response. Each stage is routed to a model from
the catalog according to a profile (speed, balanced, elite, cost).

Configuration is read from ~/.consensus/config.json and the nearest
consensus.json, with OPENROUTER_API_KEY taken from the environment or a
.env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.dir, "dir", "C", "", "directory to start config discovery from (default: working directory)")
	root.PersistentFlags().StringVar(&opts.globalDir, "global-dir", "", "global config directory (default: ~/.consensus)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default: $CONSENSUS_LOG_LEVEL or warn)")

	root.AddCommand(
		newAskCmd(opts),
		newServeCmd(opts),
		newModelsCmd(opts),
		newCostsCmd(opts),
		newEstimateCmd(opts),
		newInitCmd(opts),
	)
	return root
}

// setup loads .env and builds the logger. Config is loaded on demand.
func (o *rootOptions) setup() error {
	if o.dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		o.dir = wd
	}
	if o.globalDir == "" {
		dir, err := config.GlobalDir()
		if err != nil {
			return err
		}
		o.globalDir = dir
	}

	// A .env next to the project is optional.
	if err := godotenv.Load(filepath.Join(o.dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	level, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	o.logger = slog.New(slog.NewTextHandler(o.errOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(o.logger)
	return nil
}

func (o *rootOptions) config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.dir, o.globalDir)
	if err != nil {
		return nil, err
	}
	o.cfg = cfg
	return cfg, nil
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		s = os.Getenv("CONSENSUS_LOG_LEVEL")
	}
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
