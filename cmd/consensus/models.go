package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/cli"
	"github.com/leandrotocalini/consensus/internal/pipeline"
)

type modelsOptions struct {
	profile string
	stage   string
	sync    bool
}

func newModelsCmd(root *rootOptions) *cobra.Command {
	o := &modelsOptions{}
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show how the catalog ranks models per stage",
		Long: `Lists the models each stage would try, best first, under a routing
profile. With --sync, prices and context lengths are refreshed from the
gateway's model list first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, root, o)
		},
	}
	cmd.Flags().StringVarP(&o.profile, "profile", "p", "", "routing profile (default from config)")
	cmd.Flags().StringVarP(&o.stage, "stage", "s", "", "only this stage")
	cmd.Flags().BoolVar(&o.sync, "sync", false, "refresh prices from the gateway first")
	return cmd
}

func runModels(cmd *cobra.Command, root *rootOptions, o *modelsOptions) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	cat, err := openCatalog(cfg, root.logger)
	if err != nil {
		return err
	}
	if o.sync {
		if err := cfg.RequireAPIKey(); err != nil {
			return err
		}
		n, err := cat.SyncFromGateway(cmd.Context(), newGateway(cfg, root.logger))
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Fprintf(root.out, "updated %d models from the gateway\n", n)
	}

	profile := o.profile
	if profile == "" {
		profile = cfg.Pipeline.Profile
	}
	stages := pipeline.Stages
	if o.stage != "" {
		s, ok := pipeline.ParseStage(o.stage)
		if !ok {
			return fmt.Errorf("unknown stage %q", o.stage)
		}
		stages = []pipeline.StageKind{s}
	}

	r := cli.NewRenderer(root.out)
	router := catalog.NewRouter(cat)
	for _, stage := range stages {
		ranked, err := router.Rank(stage.String(), profile)
		if err != nil {
			return err
		}
		fmt.Fprintf(root.out, "\n%s (%s)\n", stage, profile)
		r.Table([]string{"#", "MODEL", "TIER", "SCORE", "IN/1K", "OUT/1K", "LATENCY", "SUCCESS"}, rankRows(ranked))
	}
	return nil
}

func rankRows(ranked []catalog.Candidate) [][]string {
	rows := make([][]string, len(ranked))
	for i, c := range ranked {
		m := c.Model
		pos := strconv.Itoa(i + 1)
		if c.Pinned {
			pos += "*"
		}
		rows[i] = []string{
			pos,
			m.ID,
			m.Tier.String(),
			fmt.Sprintf("%.3f", c.Score),
			fmt.Sprintf("$%.5f", m.CostPer1KInput),
			fmt.Sprintf("$%.5f", m.CostPer1KOutput),
			fmt.Sprintf("%.0fms", m.AvgLatencyMS),
			fmt.Sprintf("%.0f%%", m.SuccessRate*100),
		}
	}
	return rows
}
