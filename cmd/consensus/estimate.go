package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/prompt"
)

type estimateOptions struct {
	profile      string
	outputTokens int
	contexts     []string
	files        []string
}

func newEstimateCmd(root *rootOptions) *cobra.Command {
	o := &estimateOptions{}
	cmd := &cobra.Command{
		Use:   "estimate [query]",
		Short: "Estimate what a query would cost without running it",
		Long: `Builds the same prompts a run would send, routes each stage to its
first-choice model and prices the calls at catalog rates. Every stage is
assumed to answer with --output-tokens tokens, and each later stage reads
the previous answer as input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(root, o, joinArgs(args))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.profile, "profile", "p", "", "routing profile (default from config)")
	f.IntVar(&o.outputTokens, "output-tokens", 800, "assumed answer length per stage")
	f.StringArrayVarP(&o.contexts, "context", "c", nil, "context fragment as kind=text (repeatable)")
	f.StringArrayVarP(&o.files, "file", "f", nil, "attach a file as related context (repeatable)")
	return cmd
}

func runEstimate(root *rootOptions, o *estimateOptions, query string) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	fragments, err := parseFragments(o.contexts, o.files)
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg, root.logger)
	if err != nil {
		return err
	}
	profile := o.profile
	if profile == "" {
		profile = cfg.Pipeline.Profile
	}

	assembler := prompt.NewAssembler(
		prompt.WithMaxTokens(cfg.Context.MaxTokens),
		prompt.WithTemporalKeywords(cfg.Context.TemporalKeywords),
		prompt.WithLogger(root.logger),
	)
	assembled, err := assembler.Assemble(query, time.Now(), fragments)
	if err != nil {
		return err
	}
	plan, err := planStages(catalog.NewRouter(cat), prompt.NewSeedCache(cfg.Seeds.Dir), assembler, assembled, profile, o.outputTokens)
	if err != nil {
		return err
	}

	ledger := newLedger(cfg, cat, nil, root.logger)
	fmt.Fprint(root.out, budget.FormatCostEstimate(ledger.Estimate(plan)))
	if runLimit, _ := ledger.Limits(); runLimit > 0 {
		fmt.Fprintf(root.out, "**Run limit:** $%.4f\n", runLimit.USD())
	}
	return nil
}

// planStages sizes each stage's call. Later stages carry a previous answer
// of outputTokens tokens.
func planStages(router *catalog.Router, seeds pipeline.Seeds, assembler *prompt.Assembler, a *prompt.Assembled, profile string, outputTokens int) ([]budget.StageEstimate, error) {
	plan := make([]budget.StageEstimate, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		model, err := router.Select(stage.String(), profile)
		if err != nil {
			return nil, err
		}
		s, err := seeds.Get(stage.String())
		if err != nil {
			return nil, err
		}
		input := assembler.Estimate(prompt.JoinMessages(prompt.BuildStageMessages(s, a, "")))
		if stage != pipeline.StageGenerate {
			input += outputTokens
		}
		plan = append(plan, budget.StageEstimate{
			Stage:        stage.String(),
			Model:        model.ID,
			InputTokens:  input,
			OutputTokens: outputTokens,
		})
	}
	return plan, nil
}
