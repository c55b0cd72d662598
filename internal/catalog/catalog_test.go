package catalog

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

func testModels() []ModelSpec {
	return []ModelSpec{
		{ID: "a/elite", CostPer1KInput: 0.015, CostPer1KOutput: 0.075, Tier: TierElite, AvgLatencyMS: 8000, SuccessRate: 0.95},
		{ID: "b/mid", CostPer1KInput: 0.003, CostPer1KOutput: 0.015, Tier: TierMid, AvgLatencyMS: 4000, SuccessRate: 0.95},
		{ID: "c/budget", CostPer1KInput: 0.0001, CostPer1KOutput: 0.0004, Tier: TierBudget, AvgLatencyMS: 1000, SuccessRate: 0.95},
	}
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(testModels(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		models []ModelSpec
	}{
		{"missing id", []ModelSpec{{Tier: TierMid}}},
		{"duplicate", []ModelSpec{{ID: "x", Tier: TierMid}, {ID: "x", Tier: TierMid}}},
		{"bad tier", []ModelSpec{{ID: "x"}}},
		{"negative price", []ModelSpec{{ID: "x", Tier: TierMid, CostPer1KInput: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.models, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCatalog_GetAndAll(t *testing.T) {
	c := newTestCatalog(t)

	m, ok := c.Get("b/mid")
	if !ok {
		t.Fatal("expected b/mid")
	}
	if m.Tier != TierMid {
		t.Errorf("tier = %v, want mid", m.Tier)
	}
	if _, ok := c.Get("nope"); ok {
		t.Error("unexpected model")
	}

	var ids []string
	for _, m := range c.All() {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"a/elite", "b/mid", "c/budget"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestCatalog_UnknownProfile(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Profile("turbo")
	if !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("err = %v, want ErrUnknownProfile", err)
	}
	if diff := cmp.Diff([]string{"balanced", "cost", "elite", "speed"}, c.ProfileNames()); diff != "" {
		t.Errorf("profiles mismatch:\n%s", diff)
	}
}

func TestCatalog_ObserveEWMA(t *testing.T) {
	c, err := New([]ModelSpec{{ID: "m", Tier: TierMid, AvgLatencyMS: 1000, SuccessRate: 1.0}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	c.Observe("m", 2000*time.Millisecond, true)
	m, _ := c.Get("m")
	if math.Abs(m.AvgLatencyMS-1100) > 1e-9 {
		t.Errorf("latency = %v, want 1100", m.AvgLatencyMS)
	}
	if math.Abs(m.SuccessRate-1.0) > 1e-9 {
		t.Errorf("success = %v, want 1.0", m.SuccessRate)
	}

	c.Observe("m", 0, false)
	m, _ = c.Get("m")
	if math.Abs(m.SuccessRate-0.9) > 1e-9 {
		t.Errorf("success = %v, want 0.9", m.SuccessRate)
	}
	if math.Abs(m.AvgLatencyMS-1100) > 1e-9 {
		t.Errorf("failure changed latency to %v", m.AvgLatencyMS)
	}

	// Unknown ids are ignored.
	c.Observe("ghost", time.Second, true)
}

func TestCatalog_ConcurrentObserveLosesNothing(t *testing.T) {
	c, err := New([]ModelSpec{{ID: "m", Tier: TierMid, AvgLatencyMS: 1000, SuccessRate: 1.0}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	const workers, each = 8, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				c.Observe("m", time.Second, true)
				_ = c.All()
			}
		}()
	}
	wg.Wait()

	rec := c.tbl.Load().records["m"]
	if got := rec.perf.load().samples; got != workers*each {
		t.Errorf("samples = %d, want %d", got, workers*each)
	}
}

func TestCatalog_ReplaceKeepsPerformance(t *testing.T) {
	c := newTestCatalog(t)
	for i := 0; i < 5; i++ {
		c.Observe("b/mid", 0, false)
	}
	before, _ := c.Get("b/mid")

	models := testModels()
	models[1].CostPer1KInput = 0.004
	if err := c.Replace(models[1:], nil); err != nil {
		t.Fatal(err)
	}

	after, ok := c.Get("b/mid")
	if !ok {
		t.Fatal("b/mid missing after replace")
	}
	if after.SuccessRate != before.SuccessRate {
		t.Errorf("success rate reset: %v -> %v", before.SuccessRate, after.SuccessRate)
	}
	if after.CostPer1KInput != 0.004 {
		t.Errorf("price not updated: %v", after.CostPer1KInput)
	}
	if _, ok := c.Get("a/elite"); ok {
		t.Error("removed model still present")
	}
}

func TestCatalog_ReplaceInvalidKeepsOld(t *testing.T) {
	c := newTestCatalog(t)
	if err := c.Replace([]ModelSpec{{ID: ""}}, nil); err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d after failed replace", c.Len())
	}
}

func TestCatalog_Pricing(t *testing.T) {
	c := newTestCatalog(t)
	in, out, ok := c.Pricing("c/budget")
	if !ok || in != 0.0001 || out != 0.0004 {
		t.Errorf("Pricing = %v %v %v", in, out, ok)
	}
	if _, _, ok := c.Pricing("ghost"); ok {
		t.Error("expected miss")
	}
}

func TestLoad_EmbeddedDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("empty default catalog")
	}
	m, ok := c.Get("openai/gpt-4o-mini")
	if !ok {
		t.Fatal("expected openai/gpt-4o-mini in defaults")
	}
	if m.Provider != "openai" {
		t.Errorf("provider = %q", m.Provider)
	}
	if !m.Streaming {
		t.Error("streaming should default to true")
	}
	p, err := c.Profile(ProfileElite)
	if err != nil {
		t.Fatal(err)
	}
	if p.Temperature(StageValidate) != 0.1 {
		t.Errorf("elite validate temperature = %v", p.Temperature(StageValidate))
	}
}

func TestParse_Errors(t *testing.T) {
	if _, _, err := Parse([]byte("models: [")); err == nil {
		t.Error("expected yaml error")
	}
	if _, _, err := Parse([]byte("models:\n  - id: x\n    tier: legendary\n")); err == nil {
		t.Error("expected tier error")
	}
}

func TestParse_ProfilesAndStages(t *testing.T) {
	doc := `
models:
  - id: p/fast
    tier: budget
    streaming: false
    stages: [validate]
profiles:
  custom:
    weights: {capability: 1, cost: 1, success: 1, latency: 1}
    pinned: {validate: p/fast}
`
	models, profiles, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].Streaming {
		t.Errorf("models = %+v", models)
	}
	if models[0].SuccessRate != 1.0 {
		t.Errorf("success default = %v", models[0].SuccessRate)
	}
	if !models[0].SupportsStage(StageValidate) || models[0].SupportsStage(StageGenerate) {
		t.Error("stage filter wrong")
	}
	p := profiles["custom"]
	if p.Pinned[StageValidate] != "p/fast" {
		t.Errorf("pinned = %v", p.Pinned)
	}
	if p.Temperature(StageRefine) != 0.5 {
		t.Errorf("refine temperature = %v", p.Temperature(StageRefine))
	}
}

func TestCatalog_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeFile(t, path, "models:\n  - id: x/one\n    tier: mid\n")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "models:\n  - id: x/one\n    tier: mid\n  - id: x/two\n    tier: elite\n")
	if err := c.Reload(path); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeFile(t, path, "models:\n  - id: x/one\n    tier: mid\n")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, path) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "models:\n  - id: x/one\n    tier: mid\n  - id: x/two\n    tier: budget\n")

	deadline := time.Now().Add(5 * time.Second)
	for c.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("catalog was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type fakeLister struct {
	models []openrouter.Model
	err    error
}

func (f fakeLister) ListModels(context.Context) ([]openrouter.Model, error) {
	return f.models, f.err
}

func TestSyncFromGateway(t *testing.T) {
	c := newTestCatalog(t)
	lister := fakeLister{models: []openrouter.Model{
		{ID: "b/mid", ContextLength: 64000, Pricing: openrouter.ModelPricing{Prompt: "0.000002", Completion: "0.00001"}},
		{ID: "z/unknown", Pricing: openrouter.ModelPricing{Prompt: "0.1", Completion: "0.1"}},
		{ID: "c/budget", Pricing: openrouter.ModelPricing{Prompt: "bogus", Completion: "0"}},
	}}

	n, err := c.SyncFromGateway(context.Background(), lister)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("updated = %d, want 1", n)
	}
	m, _ := c.Get("b/mid")
	if math.Abs(m.CostPer1KInput-0.002) > 1e-12 || math.Abs(m.CostPer1KOutput-0.01) > 1e-12 {
		t.Errorf("prices = %v/%v", m.CostPer1KInput, m.CostPer1KOutput)
	}
	if m.ContextLength != 64000 {
		t.Errorf("context length = %d", m.ContextLength)
	}
	if _, ok := c.Get("z/unknown"); ok {
		t.Error("sync must not add models")
	}
	if _, err := c.Profile(ProfileSpeed); err != nil {
		t.Error("profiles lost after sync")
	}
}

func TestSyncFromGateway_ListError(t *testing.T) {
	c := newTestCatalog(t)
	if _, err := c.SyncFromGateway(context.Background(), fakeLister{err: errors.New("down")}); err == nil {
		t.Error("expected error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
