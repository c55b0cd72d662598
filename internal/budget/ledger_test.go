package budget

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leandrotocalini/consensus/internal/store"
)

// fixedClock returns a fixed time for testing.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// priceTable is a PriceSource over a map of USD per 1K prices.
type priceTable map[string][2]float64

func (p priceTable) Pricing(id string) (float64, float64, bool) {
	v, ok := p[id]
	return v[0], v[1], ok
}

var testPrices = priceTable{
	"openai/gpt-4o":      {0.0025, 0.01},
	"openai/gpt-4o-mini": {0.00015, 0.0006},
	"anthropic/opus":     {0.015, 0.075},
}

type memStore struct {
	mu   sync.Mutex
	rows []store.CostRow
	err  error
}

func (m *memStore) InsertCostRecords(_ context.Context, rows []store.CostRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func TestMicros(t *testing.T) {
	if got := FromUSD(0.0525); got != 52500 {
		t.Errorf("FromUSD = %d", got)
	}
	if got := Micros(1234567).USD(); got != 1.234567 {
		t.Errorf("USD = %v", got)
	}
	if s := Micros(1500).String(); s != "$0.001500" {
		t.Errorf("String = %q", s)
	}
}

func TestLedger_Record(t *testing.T) {
	l := NewLedger(testPrices, Limits{})

	rec, err := l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000, CompletionTokens: 500})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	// 1K * 0.0025 + 0.5K * 0.01 = 0.0075
	if rec.Cost != 7500 {
		t.Errorf("cost = %d, want 7500", rec.Cost)
	}
	if rec.Seq != 1 || rec.RunID != "R1" || rec.Stage != "generate" {
		t.Errorf("record = %+v", rec)
	}
	if l.RunTotal("R1") != 7500 || l.DailyTotal() != 7500 {
		t.Errorf("totals = %d / %d", l.RunTotal("R1"), l.DailyTotal())
	}
}

func TestLedger_UnknownModelUsesDefaultPrice(t *testing.T) {
	l := NewLedger(testPrices, Limits{})
	rec, _ := l.Record("R1", "generate", "unknown/model", TokenUsage{PromptTokens: 1000, CompletionTokens: 1000})
	// 0.003 + 0.015
	if rec.Cost != 18000 {
		t.Errorf("cost = %d, want 18000", rec.Cost)
	}

	noPrices := NewLedger(nil, Limits{})
	rec, _ = noPrices.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000})
	if rec.Cost != 3000 {
		t.Errorf("cost without price source = %d", rec.Cost)
	}
}

func TestLedger_RunTotalEqualsSumOfRecords(t *testing.T) {
	l := NewLedger(testPrices, Limits{})
	models := []string{"openai/gpt-4o", "openai/gpt-4o-mini", "anthropic/opus", "other"}
	for i := 0; i < 40; i++ {
		l.Record("R1", "refine", models[i%len(models)], TokenUsage{PromptTokens: 137 * i, CompletionTokens: 59 * i})
	}

	var sum Micros
	for _, r := range l.Records("R1") {
		sum += r.Cost
	}
	if sum != l.RunTotal("R1") {
		t.Errorf("sum %d != total %d", sum, l.RunTotal("R1"))
	}
}

func TestLedger_RunBudgetExceeded(t *testing.T) {
	l := NewLedger(testPrices, Limits{PerRunUSD: 0.001})

	rec, err := l.Record("R1", "generate", "anthropic/opus", TokenUsage{PromptTokens: 10000, CompletionTokens: 5000})
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}

	var be *BudgetExceeded
	if !errors.As(err, &be) {
		t.Fatalf("expected *BudgetExceeded, got %T", err)
	}
	if be.Scope != ScopeRun || be.RunID != "R1" {
		t.Errorf("exceeded = %+v", be)
	}
	if be.Actual != rec.Cost || be.Limit != 1000 {
		t.Errorf("actual/limit = %d/%d", be.Actual, be.Limit)
	}
	// Still recorded.
	if len(l.Records("R1")) != 1 {
		t.Error("record should be kept")
	}
}

func TestLedger_DailyBudgetExceeded(t *testing.T) {
	l := NewLedger(testPrices, Limits{PerDayUSD: 0.01})

	if _, err := l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000}); err != nil {
		t.Fatal(err)
	}
	_, err := l.Record("R2", "generate", "anthropic/opus", TokenUsage{PromptTokens: 1000})
	var be *BudgetExceeded
	if !errors.As(err, &be) || be.Scope != ScopeDay {
		t.Fatalf("err = %v, want day scope", err)
	}
	if !strings.Contains(be.Error(), "daily budget exceeded") {
		t.Errorf("message = %q", be.Error())
	}
}

func TestLedger_ApproveStopsFurtherChecks(t *testing.T) {
	l := NewLedger(testPrices, Limits{PerRunUSD: 0.001})

	if _, err := l.Record("R1", "generate", "anthropic/opus", TokenUsage{PromptTokens: 1000}); err == nil {
		t.Fatal("expected exceeded")
	}
	l.Approve("R1")
	if !l.Approved("R1") {
		t.Error("expected approved")
	}
	if _, err := l.Record("R1", "refine", "anthropic/opus", TokenUsage{PromptTokens: 1000}); err != nil {
		t.Errorf("approved run should not be checked: %v", err)
	}
	// Other runs are still checked.
	if _, err := l.Record("R2", "generate", "anthropic/opus", TokenUsage{PromptTokens: 1000}); err == nil {
		t.Error("R2 should still be limited")
	}
}

func TestLedger_DayRollsOver(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 5, 1, 23, 59, 0, 0, time.UTC)}
	l := NewLedger(testPrices, Limits{}, WithClock(clock))

	l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000})
	if l.DailyTotal() != 2500 {
		t.Fatalf("daily = %d", l.DailyTotal())
	}
	clock.now = clock.now.Add(2 * time.Minute)
	if l.DailyTotal() != 0 {
		t.Errorf("new day total = %d", l.DailyTotal())
	}
	// Run total is unaffected by the day boundary.
	if l.RunTotal("R1") != 2500 {
		t.Errorf("run total = %d", l.RunTotal("R1"))
	}
}

func TestLedger_FlushInOrderOnce(t *testing.T) {
	ms := &memStore{}
	l := NewLedger(testPrices, Limits{}, WithStore(ms))
	ctx := context.Background()

	l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 100})
	l.Record("R1", "refine", "openai/gpt-4o", TokenUsage{PromptTokens: 200})
	if err := l.Flush(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	l.Record("R1", "validate", "openai/gpt-4o", TokenUsage{PromptTokens: 300})
	if err := l.Flush(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(ctx, "R1"); err != nil {
		t.Fatal(err)
	}

	if len(ms.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(ms.rows))
	}
	for i, r := range ms.rows {
		if r.Seq != i+1 {
			t.Errorf("row %d seq = %d", i, r.Seq)
		}
	}
	if ms.rows[2].Stage != "validate" || ms.rows[2].PromptTokens != 300 {
		t.Errorf("row 3 = %+v", ms.rows[2])
	}
}

func TestLedger_FlushErrorRetriesSameRecords(t *testing.T) {
	ms := &memStore{err: errors.New("locked")}
	l := NewLedger(testPrices, Limits{}, WithStore(ms))
	ctx := context.Background()

	l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 100})
	if err := l.Flush(ctx, "R1"); err == nil {
		t.Fatal("expected error")
	}
	ms.err = nil
	if err := l.Flush(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	if len(ms.rows) != 1 {
		t.Errorf("rows = %d", len(ms.rows))
	}
}

func TestLedger_FlushToSQLite(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "costs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	clock := &fixedClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(testPrices, Limits{}, WithStore(st), WithClock(clock))
	ctx := context.Background()

	l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000, CompletionTokens: 100})
	l.Record("R1", "refine", "openai/gpt-4o-mini", TokenUsage{PromptTokens: 2000, CompletionTokens: 300})
	if err := l.Flush(ctx, "R1"); err != nil {
		t.Fatal(err)
	}

	rows, err := st.RunCosts(ctx, "R1")
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for _, r := range rows {
		sum += r.CostMicros
	}
	if Micros(sum) != l.RunTotal("R1") {
		t.Errorf("stored sum %d != ledger total %d", sum, l.RunTotal("R1"))
	}

	// A new ledger seeded from the store sees today's spend.
	l2 := NewLedger(testPrices, Limits{}, WithClock(clock))
	if err := l2.SeedDaily(ctx, st); err != nil {
		t.Fatal(err)
	}
	if l2.DailyTotal() != l.RunTotal("R1") {
		t.Errorf("seeded daily = %d, want %d", l2.DailyTotal(), l.RunTotal("R1"))
	}
}

func TestLedger_Forget(t *testing.T) {
	l := NewLedger(testPrices, Limits{})
	l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 1000})
	l.Forget("R1")
	if l.RunTotal("R1") != 0 || l.Records("R1") != nil {
		t.Error("run state should be gone")
	}
	if l.DailyTotal() == 0 {
		t.Error("daily total should survive")
	}
}

func TestLedger_Concurrent(t *testing.T) {
	l := NewLedger(testPrices, Limits{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record("R1", "generate", "openai/gpt-4o", TokenUsage{PromptTokens: 100, CompletionTokens: 50})
		}()
	}
	wg.Wait()

	recs := l.Records("R1")
	if len(recs) != 50 {
		t.Fatalf("expected 50 records, got %d", len(recs))
	}
	seen := make(map[int]bool)
	for _, r := range recs {
		seen[r.Seq] = true
	}
	if len(seen) != 50 {
		t.Error("sequence numbers not unique")
	}
	if l.RunTotal("R1") != 50*recs[0].Cost {
		t.Errorf("total = %d", l.RunTotal("R1"))
	}
}

func TestEstimate(t *testing.T) {
	l := NewLedger(testPrices, Limits{})
	steps := l.Estimate([]StageEstimate{
		{Stage: "generate", Model: "openai/gpt-4o", InputTokens: 10000, OutputTokens: 2000},
		{Stage: "refine", Model: "openai/gpt-4o-mini", InputTokens: 10000, OutputTokens: 2000},
	})
	// gpt-4o: 0.025 + 0.02 = 0.045; mini: 0.0015 + 0.0012 = 0.0027
	if steps[0].EstimatedCost != 45000 || steps[1].EstimatedCost != 2700 {
		t.Errorf("estimates = %d, %d", steps[0].EstimatedCost, steps[1].EstimatedCost)
	}
	if EstimatePlanCost(steps) != 47700 {
		t.Errorf("total = %d", EstimatePlanCost(steps))
	}

	out := FormatCostEstimate(steps)
	for _, want := range []string{"generate", "openai/gpt-4o-mini", "$0.0477"} {
		if !strings.Contains(out, want) {
			t.Errorf("estimate output missing %q", want)
		}
	}
}

func TestFormatRunSummary(t *testing.T) {
	recs := []CostRecord{
		{Stage: "generate", Cost: 150000, Usage: TokenUsage{PromptTokens: 10000, CompletionTokens: 5000}},
		{Stage: "generate", Cost: 50000, Usage: TokenUsage{PromptTokens: 1000}},
		{Stage: "refine", Cost: 250000, Usage: TokenUsage{PromptTokens: 20000}},
	}

	output := FormatRunSummary("R123", recs, FromUSD(1.0))
	for _, want := range []string{"R123", "$0.4500", "45.0%", "| generate | 2 | 16000 | $0.2000 |", "refine"} {
		if !strings.Contains(output, want) {
			t.Errorf("summary missing %q:\n%s", want, output)
		}
	}
	if strings.Index(output, "generate") > strings.Index(output, "refine") {
		t.Error("stages should keep run order")
	}
}

func TestFormatDailySummary(t *testing.T) {
	days := DailySummaries([]store.DayTotal{
		{Date: "2025-05-01", Records: 3, CostMicros: 400000},
		{Date: "2025-05-02", Records: 12, CostMicros: 6000000},
	}, FromUSD(5))

	if days[0].Date != "2025-05-02" {
		t.Errorf("newest first, got %s", days[0].Date)
	}
	if !days[0].Exhausted() || days[1].Exhausted() {
		t.Error("exhausted flags wrong")
	}

	output := FormatDailySummary(days[0])
	for _, want := range []string{"2025-05-02", "$6.0000", "120.0%", "**Model calls:** 12", "exhausted"} {
		if !strings.Contains(output, want) {
			t.Errorf("summary missing %q:\n%s", want, output)
		}
	}
}
