// Package budget implements the cost ledger: append-only per-call cost
// records, per-run and per-day totals, budget limits with approval, and
// pre-run cost estimation. Money is kept as integer micro-dollars so totals
// are exact sums of their records.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leandrotocalini/consensus/internal/store"
)

// Fallback prices in USD per 1K tokens for models the price source does not
// know.
const (
	defaultInputPrice  = 0.003
	defaultOutputPrice = 0.015
)

// Micros is an amount of US dollars in millionths.
type Micros int64

// FromUSD converts dollars to micro-dollars, rounding to nearest.
func FromUSD(usd float64) Micros {
	return Micros(math.Round(usd * 1e6))
}

// USD returns the amount in dollars.
func (m Micros) USD() float64 { return float64(m) / 1e6 }

func (m Micros) String() string { return fmt.Sprintf("$%.6f", m.USD()) }

// TokenUsage tracks token consumption for a single model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// CostRecord is one billed model call. Records are never modified.
type CostRecord struct {
	RunID      string     `json:"run_id"`
	Seq        int        `json:"seq"`
	Stage      string     `json:"stage"`
	Model      string     `json:"model"`
	Usage      TokenUsage `json:"usage"`
	Cost       Micros     `json:"cost_micros"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// PriceSource returns USD per 1K token prices for a model.
type PriceSource interface {
	Pricing(modelID string) (input, output float64, ok bool)
}

// RecordStore persists cost records.
type RecordStore interface {
	InsertCostRecords(ctx context.Context, rows []store.CostRow) error
}

// Limits configures budget limits in USD. Zero means unlimited.
type Limits struct {
	PerRunUSD float64 `json:"perRunUSD"`
	PerDayUSD float64 `json:"perDayUSD"`
}

// Budget scopes.
const (
	ScopeRun = "run"
	ScopeDay = "day"
)

// BudgetExceeded is returned when a budget limit is hit.
type BudgetExceeded struct {
	Scope  string // ScopeRun or ScopeDay
	Limit  Micros
	Actual Micros
	RunID  string
}

func (e *BudgetExceeded) Error() string {
	if e.Scope == ScopeRun {
		return fmt.Sprintf("run %s budget exceeded: $%.4f / $%.4f limit",
			e.RunID, e.Actual.USD(), e.Limit.USD())
	}
	return fmt.Sprintf("daily budget exceeded: $%.4f / $%.4f limit",
		e.Actual.USD(), e.Limit.USD())
}

// Clock allows injecting time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type runLedger struct {
	records  []CostRecord
	total    Micros
	flushed  int
	approved bool
}

// Ledger records costs per run and per day. Thread-safe.
type Ledger struct {
	mu     sync.Mutex
	runs   map[string]*runLedger
	daily  map[string]Micros // UTC date → total
	prices PriceSource
	store  RecordStore
	runMax Micros
	dayMax Micros
	clock  Clock
	logger *slog.Logger

	flushMu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore sets where Flush writes records.
func WithStore(s RecordStore) Option {
	return func(l *Ledger) {
		l.store = s
	}
}

// WithClock sets the clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = lg
	}
}

// NewLedger creates a ledger. prices may be nil, in which case every model
// is billed at the default price.
func NewLedger(prices PriceSource, limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		runs:   make(map[string]*runLedger),
		daily:  make(map[string]Micros),
		prices: prices,
		runMax: FromUSD(limits.PerRunUSD),
		dayMax: FromUSD(limits.PerDayUSD),
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CostSource reports historic spend, used to seed today's total.
type CostSource interface {
	CostSince(ctx context.Context, since time.Time) (int64, error)
}

// SeedDaily loads today's persisted spend so the day limit covers earlier
// processes. Call once before the first Record.
func (l *Ledger) SeedDaily(ctx context.Context, src CostSource) error {
	now := l.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	total, err := src.CostSince(ctx, midnight)
	if err != nil {
		return fmt.Errorf("seed daily total: %w", err)
	}
	l.mu.Lock()
	l.daily[dateKey(now)] += Micros(total)
	l.mu.Unlock()
	return nil
}

// Cost computes the price of usage on model at the current catalog price.
func (l *Ledger) Cost(model string, usage TokenUsage) Micros {
	in, out := l.modelPrice(model)
	return FromUSD(float64(usage.PromptTokens)/1000*in + float64(usage.CompletionTokens)/1000*out)
}

// Record appends a cost record for one model call. It returns a
// *BudgetExceeded error if a limit is hit, but the record is kept either
// way. Runs that were approved are not checked again.
func (l *Ledger) Record(runID, stage, model string, usage TokenUsage) (CostRecord, error) {
	cost := l.Cost(model, usage)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rl := l.getOrCreateRun(runID)
	rec := CostRecord{
		RunID:      runID,
		Seq:        len(rl.records) + 1,
		Stage:      stage,
		Model:      model,
		Usage:      usage,
		Cost:       cost,
		RecordedAt: now,
	}
	rl.records = append(rl.records, rec)
	rl.total += cost

	day := dateKey(now)
	l.daily[day] += cost

	if rl.approved {
		return rec, nil
	}
	if l.runMax > 0 && rl.total > l.runMax {
		return rec, &BudgetExceeded{Scope: ScopeRun, Limit: l.runMax, Actual: rl.total, RunID: runID}
	}
	if l.dayMax > 0 && l.daily[day] > l.dayMax {
		return rec, &BudgetExceeded{Scope: ScopeDay, Limit: l.dayMax, Actual: l.daily[day], RunID: runID}
	}
	return rec, nil
}

// Approve lets runID continue past its limits.
func (l *Ledger) Approve(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getOrCreateRun(runID).approved = true
}

// Approved reports whether runID was approved past its limits.
func (l *Ledger) Approved(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok := l.runs[runID]; ok {
		return rl.approved
	}
	return false
}

// RunTotal returns the summed cost of runID's records.
func (l *Ledger) RunTotal(runID string) Micros {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok := l.runs[runID]; ok {
		return rl.total
	}
	return 0
}

// DailyTotal returns today's total.
func (l *Ledger) DailyTotal() Micros {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daily[dateKey(l.clock.Now())]
}

// Records returns a copy of runID's records in order.
func (l *Ledger) Records(runID string) []CostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.runs[runID]
	if !ok {
		return nil
	}
	out := make([]CostRecord, len(rl.records))
	copy(out, rl.records)
	return out
}

// Flush writes runID's unflushed records to the store in sequence order.
// Without a store it is a no-op.
func (l *Ledger) Flush(ctx context.Context, runID string) error {
	if l.store == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	rl, ok := l.runs[runID]
	if !ok || rl.flushed == len(rl.records) {
		l.mu.Unlock()
		return nil
	}
	pending := make([]CostRecord, len(rl.records)-rl.flushed)
	copy(pending, rl.records[rl.flushed:])
	l.mu.Unlock()

	rows := make([]store.CostRow, len(pending))
	for i, r := range pending {
		rows[i] = store.CostRow{
			RunID:            r.RunID,
			Seq:              r.Seq,
			Stage:            r.Stage,
			Model:            r.Model,
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			CostMicros:       int64(r.Cost),
			RecordedAt:       r.RecordedAt,
		}
	}
	if err := l.store.InsertCostRecords(ctx, rows); err != nil {
		return fmt.Errorf("flush cost records for run %s: %w", runID, err)
	}

	l.mu.Lock()
	rl.flushed += len(pending)
	l.mu.Unlock()
	l.logger.Debug("cost records flushed", "run", runID, "records", len(pending))
	return nil
}

// Forget drops runID's in-memory state. Daily totals are kept.
func (l *Ledger) Forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok := l.runs[runID]; ok && rl.flushed < len(rl.records) && l.store != nil {
		l.logger.Warn("forgetting run with unflushed cost records", "run", runID,
			"unflushed", len(rl.records)-rl.flushed)
	}
	delete(l.runs, runID)
}

// Limits returns the configured limits.
func (l *Ledger) Limits() (run, day Micros) {
	return l.runMax, l.dayMax
}

func (l *Ledger) modelPrice(model string) (float64, float64) {
	if l.prices != nil {
		if in, out, ok := l.prices.Pricing(model); ok {
			return in, out
		}
	}
	return defaultInputPrice, defaultOutputPrice
}

// getOrCreateRun returns or creates a run ledger. Must be called under lock.
func (l *Ledger) getOrCreateRun(runID string) *runLedger {
	if rl, ok := l.runs[runID]; ok {
		return rl
	}
	rl := &runLedger{}
	l.runs[runID] = rl
	return rl
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// StageEstimate is a planned model call.
type StageEstimate struct {
	Stage        string
	Model        string
	InputTokens  int
	OutputTokens int
}

// CostEstimate represents a cost estimate for a planned call.
type CostEstimate struct {
	Stage           string `json:"stage"`
	Model           string `json:"model"`
	EstimatedInput  int    `json:"estimated_input_tokens"`
	EstimatedOutput int    `json:"estimated_output_tokens"`
	EstimatedCost   Micros `json:"estimated_cost_micros"`
}

// Estimate prices planned calls at current catalog prices.
func (l *Ledger) Estimate(stages []StageEstimate) []CostEstimate {
	out := make([]CostEstimate, len(stages))
	for i, s := range stages {
		out[i] = CostEstimate{
			Stage:           s.Stage,
			Model:           s.Model,
			EstimatedInput:  s.InputTokens,
			EstimatedOutput: s.OutputTokens,
			EstimatedCost:   l.Cost(s.Model, TokenUsage{PromptTokens: s.InputTokens, CompletionTokens: s.OutputTokens}),
		}
	}
	return out
}

// EstimatePlanCost sums the estimates.
func EstimatePlanCost(steps []CostEstimate) Micros {
	var total Micros
	for _, step := range steps {
		total += step.EstimatedCost
	}
	return total
}

// FormatCostEstimate formats a cost estimate for display.
func FormatCostEstimate(steps []CostEstimate) string {
	var b strings.Builder

	b.WriteString("### Estimated Cost\n\n")
	b.WriteString("| Stage | Model | Input | Output | Cost |\n")
	b.WriteString("|-------|-------|-------|--------|------|\n")

	for _, step := range steps {
		b.WriteString(fmt.Sprintf("| %s | %s | %d | %d | $%.4f |\n",
			step.Stage, step.Model, step.EstimatedInput, step.EstimatedOutput, step.EstimatedCost.USD()))
	}

	b.WriteString(fmt.Sprintf("\n**Total estimated:** $%.4f\n", EstimatePlanCost(steps).USD()))
	return b.String()
}

// FormatRunSummary creates a human-readable cost summary for a run.
func FormatRunSummary(runID string, records []CostRecord, limit Micros) string {
	var b strings.Builder
	var total Micros
	var tokens int
	stageCost := make(map[string]Micros)
	stageTokens := make(map[string]int)
	stageCalls := make(map[string]int)
	var order []string
	for _, r := range records {
		if _, seen := stageCalls[r.Stage]; !seen {
			order = append(order, r.Stage)
		}
		total += r.Cost
		tokens += r.Usage.Total()
		stageCost[r.Stage] += r.Cost
		stageTokens[r.Stage] += r.Usage.Total()
		stageCalls[r.Stage]++
	}

	b.WriteString(fmt.Sprintf("## Cost Summary: Run %s\n\n", runID))
	b.WriteString(fmt.Sprintf("**Total cost:** $%.4f", total.USD()))
	if limit > 0 {
		b.WriteString(fmt.Sprintf(" / $%.2f limit", limit.USD()))
		b.WriteString(fmt.Sprintf(" (%.1f%%)", float64(total)/float64(limit)*100))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("**Total tokens:** %d\n\n", tokens))

	b.WriteString("| Stage | Calls | Tokens | Cost |\n")
	b.WriteString("|-------|-------|--------|------|\n")
	for _, s := range order {
		b.WriteString(fmt.Sprintf("| %s | %d | %d | $%.4f |\n", s, stageCalls[s], stageTokens[s], stageCost[s].USD()))
	}
	return b.String()
}

// DailySummary is one day's spend.
type DailySummary struct {
	Date    string
	Records int
	Cost    Micros
	Limit   Micros
}

// Exhausted reports whether the day limit was passed.
func (d DailySummary) Exhausted() bool { return d.Limit > 0 && d.Cost > d.Limit }

// DailySummaries converts stored day totals, newest first.
func DailySummaries(days []store.DayTotal, limit Micros) []DailySummary {
	out := make([]DailySummary, len(days))
	for i, d := range days {
		out[i] = DailySummary{Date: d.Date, Records: d.Records, Cost: Micros(d.CostMicros), Limit: limit}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// FormatDailySummary creates a human-readable daily cost summary.
func FormatDailySummary(d DailySummary) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("## Daily Cost Summary: %s\n\n", d.Date))
	b.WriteString(fmt.Sprintf("**Total cost:** $%.4f", d.Cost.USD()))
	if d.Limit > 0 {
		b.WriteString(fmt.Sprintf(" / $%.2f limit", d.Limit.USD()))
		b.WriteString(fmt.Sprintf(" (%.1f%%)", float64(d.Cost)/float64(d.Limit)*100))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("**Model calls:** %d\n", d.Records))

	if d.Exhausted() {
		b.WriteString("\n**Status:** Daily budget exhausted\n")
	}
	return b.String()
}
