package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/cli"
	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/prompt"
)

type askOptions struct {
	profile   string
	contexts  []string
	files     []string
	verbose   bool
	yes       bool
	noOverrun bool
	summary   bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	o := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Run a query through the consensus pipeline",
		Long: `Runs the query through generate, refine, validate and curate, streaming
the curated answer once the curate stage accepts it. Output from an
attempt that fails or is rejected is never shown.

Context is attached with --context kind=text or --file path. Kinds are
immediate, related, project_pattern and history; files are attached as
related context.

When a budget limit is reached the run pauses before the next stage and
asks for approval on the terminal. Use --yes or --no-overrun to answer
without a prompt. Ctrl+C cancels the run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, root, o, joinArgs(args))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.profile, "profile", "p", "", "routing profile: speed, balanced, elite or cost")
	f.StringArrayVarP(&o.contexts, "context", "c", nil, "context fragment as kind=text (repeatable)")
	f.StringArrayVarP(&o.files, "file", "f", nil, "attach a file as related context (repeatable)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "stream every stage, not only curate")
	f.BoolVarP(&o.yes, "yes", "y", false, "approve budget overruns without asking")
	f.BoolVar(&o.noOverrun, "no-overrun", false, "decline budget overruns without asking")
	f.BoolVar(&o.summary, "summary", false, "print a per-stage cost summary after the run")
	cmd.MarkFlagsMutuallyExclusive("yes", "no-overrun")
	return cmd
}

func runAsk(cmd *cobra.Command, root *rootOptions, o *askOptions, query string) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	fragments, err := parseFragments(o.contexts, o.files)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, root.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.coord.Start(ctx, pipeline.Request{
		SessionID: "cli",
		Query:     query,
		Profile:   o.profile,
		Fragments: fragments,
	})
	if err != nil {
		return err
	}

	var approver cli.Approver
	switch {
	case o.yes:
		approver = cli.Fixed(true)
	case o.noOverrun:
		approver = cli.Fixed(false)
	default:
		approver = cli.NewTerminalApprover(os.Stdin, root.errOut)
	}
	r := cli.NewRenderer(root.out, cli.WithVerbose(o.verbose))
	last := cli.Drive(ctx, run, r, approver)

	if o.summary {
		runLimit, _ := a.ledger.Limits()
		fmt.Fprintln(root.out)
		fmt.Fprint(root.out, budget.FormatRunSummary(run.ID(), a.ledger.Records(run.ID()), runLimit))
	}
	a.ledger.Forget(run.ID())

	switch last.(type) {
	case pipeline.Completed:
		return nil
	case pipeline.Cancelled:
		return exitCode(130)
	default:
		return exitCode(1)
	}
}

// parseFragments turns --context and --file values into context fragments.
func parseFragments(contexts, files []string) ([]prompt.Fragment, error) {
	var out []prompt.Fragment
	for _, c := range contexts {
		kindName, text, ok := strings.Cut(c, "=")
		if !ok {
			return nil, fmt.Errorf("--context %q: want kind=text", c)
		}
		kind, ok := prompt.ParseLayerKind(strings.TrimSpace(kindName))
		if !ok || kind == prompt.LayerTemporal {
			return nil, fmt.Errorf("--context %q: unknown kind %q", c, kindName)
		}
		out = append(out, prompt.Fragment{Kind: kind, Text: text, Source: "flag"})
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("--file: %w", err)
		}
		out = append(out, prompt.Fragment{Kind: prompt.LayerRelated, Text: string(data), Source: path})
	}
	return out, nil
}
