package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/cli"
	"github.com/leandrotocalini/consensus/internal/decisions"
	"github.com/leandrotocalini/consensus/internal/store"
)

type costsOptions struct {
	days int
	runs int
	run  string
}

func newCostsCmd(root *rootOptions) *cobra.Command {
	o := &costsOptions{}
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Report recorded spend",
		Long: `Shows daily spend against the day limit and the most recent runs.
With --run, prints the per-stage breakdown of one run followed by the
routing decisions recorded for it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCosts(cmd, root, o)
		},
	}
	cmd.Flags().IntVar(&o.days, "days", 7, "number of days to report")
	cmd.Flags().IntVar(&o.runs, "runs", 10, "number of recent runs to list")
	cmd.Flags().StringVar(&o.run, "run", "", "show one run's stage breakdown")
	return cmd
}

func runCosts(cmd *cobra.Command, root *rootOptions, o *costsOptions) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()
	runLimit := budget.FromUSD(cfg.Budget.PerRunUSD)
	dayLimit := budget.FromUSD(cfg.Budget.PerDayUSD)

	if o.run != "" {
		rows, err := st.RunCosts(ctx, o.run)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("no cost records for run %s", o.run)
		}
		fmt.Fprint(root.out, budget.FormatRunSummary(o.run, costRecords(rows), runLimit))
		if cfg.Decisions.Path == "" {
			return nil
		}
		trail, err := decisions.ReadLog(cfg.Decisions.Path, decisions.ForRun(o.run))
		if err != nil {
			return err
		}
		if len(trail) > 0 {
			fmt.Fprint(root.out, "\nDecisions\n", decisions.FormatTrail(trail))
		}
		return nil
	}

	since := time.Now().UTC().AddDate(0, 0, -(o.days - 1)).Truncate(24 * time.Hour)
	days, err := st.DailyTotals(ctx, since)
	if err != nil {
		return err
	}
	summaries := budget.DailySummaries(days, dayLimit)
	if len(summaries) == 0 {
		fmt.Fprintln(root.out, "no spend recorded")
		return nil
	}
	fmt.Fprint(root.out, budget.FormatDailySummary(summaries[0]))

	r := cli.NewRenderer(root.out)
	fmt.Fprintln(root.out)
	dayRows := make([][]string, len(summaries))
	for i, d := range summaries {
		status := ""
		if d.Exhausted() {
			status = "over limit"
		}
		dayRows[i] = []string{d.Date, fmt.Sprint(d.Records), fmt.Sprintf("$%.4f", d.Cost.USD()), status}
	}
	r.Table([]string{"DATE", "CALLS", "COST", ""}, dayRows)

	runs, err := st.RecentRuns(ctx, o.runs)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Fprintln(root.out)
	runRows := make([][]string, len(runs))
	for i, run := range runs {
		runRows[i] = []string{
			run.FirstAt.Local().Format("2006-01-02 15:04"),
			run.RunID,
			fmt.Sprint(run.Records),
			fmt.Sprintf("$%.4f", budget.Micros(run.CostMicros).USD()),
		}
	}
	r.Table([]string{"STARTED", "RUN", "CALLS", "COST"}, runRows)
	return nil
}

// costRecords converts stored rows back into ledger records.
func costRecords(rows []store.CostRow) []budget.CostRecord {
	out := make([]budget.CostRecord, len(rows))
	for i, row := range rows {
		out[i] = budget.CostRecord{
			RunID:      row.RunID,
			Seq:        row.Seq,
			Stage:      row.Stage,
			Model:      row.Model,
			Usage:      budget.TokenUsage{PromptTokens: row.PromptTokens, CompletionTokens: row.CompletionTokens},
			Cost:       budget.Micros(row.CostMicros),
			RecordedAt: row.RecordedAt,
		}
	}
	return out
}
