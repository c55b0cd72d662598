package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
	"github.com/leandrotocalini/consensus/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// reply scripts one gateway call.
type reply struct {
	chunks []string
	err    error
	finish string
	usage  openrouter.TokenUsage
	// wait, when set, holds the call open after the chunks until it is
	// closed or the call's context ends.
	wait chan struct{}
}

// fakeGateway replays scripted replies per model. Unscripted calls get a
// unique default answer.
type fakeGateway struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   []openrouter.ChatRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{scripts: make(map[string][]reply)}
}

func (g *fakeGateway) script(model string, rs ...reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[model] = append(g.scripts[model], rs...)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// waitCalls blocks until at least n calls have reached the gateway.
func (g *fakeGateway) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("gateway saw %d calls, want %d", g.callCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (g *fakeGateway) take(req openrouter.ChatRequest) reply {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	var r reply
	if q := g.scripts[req.Model]; len(q) > 0 {
		r, g.scripts[req.Model] = q[0], q[1:]
	} else {
		r = reply{chunks: []string{"answer ", fmt.Sprint(len(g.calls)), " from ", req.Model}}
	}
	if r.finish == "" {
		r.finish = "stop"
	}
	if r.usage == (openrouter.TokenUsage{}) {
		r.usage = openrouter.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}
	}
	return r
}

func (g *fakeGateway) finish(ctx context.Context, req openrouter.ChatRequest, r reply, streamed bool) (*openrouter.Completion, error) {
	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &openrouter.Completion{
		Model:        req.Model,
		Text:         strings.Join(r.chunks, ""),
		FinishReason: r.finish,
		Usage:        r.usage,
		Streamed:     streamed,
	}, nil
}

func (g *fakeGateway) StreamCall(ctx context.Context, req openrouter.ChatRequest, onDelta func(openrouter.TextDelta) error) (*openrouter.Completion, error) {
	r := g.take(req)
	for i, c := range r.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onDelta(openrouter.TextDelta{Index: i, Text: c}); err != nil {
			return nil, err
		}
	}
	return g.finish(ctx, req, r, true)
}

func (g *fakeGateway) Complete(ctx context.Context, req openrouter.ChatRequest) (*openrouter.Completion, error) {
	return g.finish(ctx, req, g.take(req), false)
}

type observation struct {
	ID      string
	Success bool
}

// fakeModels returns a fixed model order per profile.
type fakeModels struct {
	mu       sync.Mutex
	profiles map[string][]catalog.ModelSpec
	observed []observation
}

func newFakeModels(ids ...string) *fakeModels {
	f := &fakeModels{profiles: make(map[string][]catalog.ModelSpec)}
	f.setProfile(DefaultProfile, ids...)
	return f
}

func (f *fakeModels) setProfile(name string, ids ...string) {
	specs := make([]catalog.ModelSpec, len(ids))
	for i, id := range ids {
		specs[i] = catalog.ModelSpec{ID: id, Streaming: true, SuccessRate: 1}
	}
	f.mu.Lock()
	f.profiles[name] = specs
	f.mu.Unlock()
}

func (f *fakeModels) setStreaming(id string, streaming bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, specs := range f.profiles {
		for i := range specs {
			if specs[i].ID == id {
				specs[i].Streaming = streaming
			}
		}
	}
}

func (f *fakeModels) Fallbacks(stage, profile string, n int) ([]catalog.ModelSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.profiles[profile]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w for stage %s", catalog.ErrNoCandidates, stage)
	}
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return slices.Clone(list), nil
}

func (f *fakeModels) Profile(name string) (catalog.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[name]; !ok {
		return catalog.Profile{}, fmt.Errorf("%w: %q", catalog.ErrUnknownProfile, name)
	}
	return catalog.Profile{Name: name}, nil
}

func (f *fakeModels) Observe(id string, _ time.Duration, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, observation{ID: id, Success: success})
}

func (f *fakeModels) observations() []observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.observed)
}

// flatPrices charges every model $0.001/1K in and $0.002/1K out, so a
// default 100/50 token call costs 200 micros.
type flatPrices struct{}

func (flatPrices) Pricing(string) (float64, float64, bool) { return 0.001, 0.002, true }

const callCost = budget.Micros(200)

type memStore struct {
	mu   sync.Mutex
	rows []store.CostRow
}

func (m *memStore) InsertCostRecords(_ context.Context, rows []store.CostRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memStore) snapshot() []store.CostRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

var testTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type harness struct {
	gw     *fakeGateway
	models *fakeModels
	ledger *budget.Ledger
	store  *memStore
	coord  *Coordinator
}

func newHarness(t *testing.T, limits budget.Limits, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		gw:     newFakeGateway(),
		models: newFakeModels("a/first", "b/second", "c/third", "d/fourth"),
		store:  &memStore{},
	}
	h.ledger = budget.NewLedger(flatPrices{}, limits, budget.WithStore(h.store))
	var n int
	var mu sync.Mutex
	base := []Option{
		WithClock(func() time.Time { return testTime }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("run-%d", n)
		}),
	}
	h.coord = New(h.gw, h.models, h.ledger, append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T, query string) *Run {
	t.Helper()
	run, err := h.coord.Start(context.Background(), Request{SessionID: "s1", Query: query})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

// collect drains run's events, calling onEvent for each.
func collect(t *testing.T, run *Run, onEvent func(Event)) []Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	var evs []Event
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
			if onEvent != nil {
				onEvent(ev)
			}
		case <-timeout:
			run.Cancel()
			t.Fatalf("run did not finish; events so far: %v", eventTypes(evs))
		}
	}
}

// eventTypes lists event types, leaving out tokens.
func eventTypes(evs []Event) []EventType {
	var out []EventType
	for _, ev := range evs {
		if ev.Type() != EventToken {
			out = append(out, ev.Type())
		}
	}
	return out
}

func stageResults(evs []Event) []StageResult {
	var out []StageResult
	for _, ev := range evs {
		if sc, ok := ev.(StageCompleted); ok {
			out = append(out, sc.Result)
		}
	}
	return out
}

// streamedText joins stage's tokens in delivery order.
func streamedText(evs []Event, stage StageKind) string {
	var b strings.Builder
	for _, ev := range evs {
		if tok, ok := ev.(Token); ok && tok.Stage == stage {
			b.WriteString(tok.Text)
		}
	}
	return b.String()
}

// checkTokenOrder fails t unless each stage's token indices start at 0 and
// increase by one in delivery order.
func checkTokenOrder(t *testing.T, evs []Event) {
	t.Helper()
	next := make(map[StageKind]int)
	for _, ev := range evs {
		tok, ok := ev.(Token)
		if !ok {
			continue
		}
		if tok.Index != next[tok.Stage] {
			t.Errorf("%s: token index %d, want %d", tok.Stage, tok.Index, next[tok.Stage])
		}
		next[tok.Stage] = tok.Index + 1
	}
}
