package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/pipeline"
	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gateway answers every call with a unique text. While gate is non-nil,
// calls block on it after sending their first chunk.
type gateway struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	gate     chan struct{}
}

func (g *gateway) StreamCall(ctx context.Context, req openrouter.ChatRequest, onDelta func(openrouter.TextDelta) error) (*openrouter.Completion, error) {
	n := g.calls.Add(1)
	text := fmt.Sprintf("reply %d", n)
	if err := onDelta(openrouter.TextDelta{Text: text}); err != nil {
		return nil, err
	}
	if g.gate != nil {
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &openrouter.Completion{
		Model:        req.Model,
		Text:         text,
		FinishReason: "stop",
		Usage:        openrouter.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
		Streamed:     true,
	}, nil
}

func (g *gateway) Complete(ctx context.Context, req openrouter.ChatRequest) (*openrouter.Completion, error) {
	return g.StreamCall(ctx, req, func(openrouter.TextDelta) error { return nil })
}

func newRegistry(t *testing.T, gw *gateway, opts ...Option) *Registry {
	t.Helper()
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatal(err)
	}
	coord := pipeline.New(gw, catalog.NewRouter(cat), budget.NewLedger(cat, budget.Limits{}))
	r := NewRegistry(coord, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return r
}

// recorder collects events from any number of requests.
type recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
	ended  chan string
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan string, 16)}
}

func (r *recorder) sink(ev pipeline.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if pipeline.Terminal(ev) {
		r.ended <- ev.Run()
	}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ended:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d requests finished", i, n)
		}
	}
}

func (r *recorder) snapshot() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Event(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_SessionRunsDoNotInterleave(t *testing.T) {
	r := newRegistry(t, &gateway{})
	rec := newRecorder()
	for i := 0; i < 3; i++ {
		req := pipeline.Request{ID: fmt.Sprintf("run-%d", i), SessionID: "s1", Query: "Explain binary trees"}
		if err := r.Submit(context.Background(), req, rec.sink); err != nil {
			t.Fatal(err)
		}
	}
	rec.wait(t, 3)

	var order []string
	current := ""
	for _, ev := range rec.snapshot() {
		if ev.Run() != current {
			if current != "" {
				t.Fatalf("%s event arrived before %s finished", ev.Run(), current)
			}
			current = ev.Run()
			order = append(order, current)
		}
		if pipeline.Terminal(ev) {
			if ev.Type() != pipeline.EventCompleted {
				t.Errorf("%s ended with %s", ev.Run(), ev.Type())
			}
			current = ""
		}
	}
	if fmt.Sprint(order) != "[run-0 run-1 run-2]" {
		t.Errorf("order = %v", order)
	}
}

func TestRegistry_SessionsRunConcurrently(t *testing.T) {
	gw := &gateway{gate: make(chan struct{})}
	r := newRegistry(t, gw)
	rec := newRecorder()
	for _, s := range []string{"s1", "s2"} {
		if err := r.Submit(context.Background(), pipeline.Request{SessionID: s, Query: "Explain binary trees"}, rec.sink); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return gw.inFlight.Load() == 2 })
	if n := r.ActiveSessions(); n != 2 {
		t.Errorf("ActiveSessions = %d", n)
	}
	close(gw.gate)
	rec.wait(t, 2)
}

func TestRegistry_SendReachesActiveRun(t *testing.T) {
	gw := &gateway{gate: make(chan struct{})}
	r := newRegistry(t, gw)
	rec := newRecorder()

	if err := r.Send("s1", pipeline.Cancel{}); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("Send with no run = %v", err)
	}

	first := pipeline.Request{ID: "first", SessionID: "s1", Query: "Explain binary trees"}
	second := pipeline.Request{ID: "second", SessionID: "s1", Query: "Explain heaps"}
	if err := r.Submit(context.Background(), first, rec.sink); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(context.Background(), second, rec.sink); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return gw.inFlight.Load() == 1 })

	if run := r.Active("s1"); run == nil || run.ID() != "first" {
		t.Fatalf("Active = %v", run)
	}
	if n := r.Queued("s1"); n != 1 {
		t.Errorf("Queued = %d", n)
	}
	if err := r.Send("s1", pipeline.Start{}); !errors.Is(err, pipeline.ErrUnsupportedCommand) {
		t.Errorf("Send(Start) = %v", err)
	}
	if err := r.Send("s1", pipeline.Cancel{}); err != nil {
		t.Fatal(err)
	}

	// The queued request starts once the first is cancelled.
	waitFor(t, func() bool { return gw.inFlight.Load() == 1 && r.Active("s1") != nil && r.Active("s1").ID() == "second" })
	close(gw.gate)
	rec.wait(t, 2)

	ends := make(map[string]pipeline.EventType)
	for _, ev := range rec.snapshot() {
		if pipeline.Terminal(ev) {
			ends[ev.Run()] = ev.Type()
		}
	}
	if ends["first"] != pipeline.EventCancelled || ends["second"] != pipeline.EventCompleted {
		t.Errorf("terminal events = %v", ends)
	}
}

func TestRegistry_QueueFull(t *testing.T) {
	gw := &gateway{gate: make(chan struct{})}
	r := newRegistry(t, gw, WithQueueSize(1))
	rec := newRecorder()
	submit := func(id string) error {
		return r.Submit(context.Background(), pipeline.Request{ID: id, SessionID: "s1", Query: "Explain binary trees"}, rec.sink)
	}

	if err := submit("a"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.Active("s1") != nil })
	if err := submit("b"); err != nil {
		t.Fatal(err)
	}
	if err := submit("c"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third submit = %v", err)
	}
	close(gw.gate)
	rec.wait(t, 2)
}

func TestRegistry_RejectedRequestEndsWithError(t *testing.T) {
	r := newRegistry(t, &gateway{})
	rec := newRecorder()
	err := r.Submit(context.Background(), pipeline.Request{ID: "bad", Query: "q", Profile: "nope"}, rec.sink)
	if err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 1)
	evs := rec.snapshot()
	if len(evs) != 1 || evs[0].Type() != pipeline.EventError {
		t.Fatalf("events = %+v", evs)
	}
	if !errors.Is(evs[0].(pipeline.Failed).Err, catalog.ErrUnknownProfile) {
		t.Errorf("err = %v", evs[0].(pipeline.Failed).Err)
	}
}

func TestRegistry_ShutdownCancelsAndDrops(t *testing.T) {
	gw := &gateway{gate: make(chan struct{})}
	defer close(gw.gate)
	r := newRegistry(t, gw)
	rec := newRecorder()

	for _, id := range []string{"active", "queued"} {
		if err := r.Submit(context.Background(), pipeline.Request{ID: id, SessionID: "s1", Query: "Explain binary trees"}, rec.sink); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return gw.inFlight.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 2)
	for _, ev := range rec.snapshot() {
		if pipeline.Terminal(ev) && ev.Type() != pipeline.EventCancelled {
			t.Errorf("%s ended with %s", ev.Run(), ev.Type())
		}
	}
	if err := r.Submit(context.Background(), pipeline.Request{Query: "late"}, rec.sink); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after shutdown = %v", err)
	}
}

func TestRegistry_IdleWorkerRetires(t *testing.T) {
	r := newRegistry(t, &gateway{}, WithInactivityTimeout(30*time.Millisecond))
	rec := newRecorder()
	if err := r.Submit(context.Background(), pipeline.Request{SessionID: "s1", Query: "Explain binary trees"}, rec.sink); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 1)
	waitFor(t, func() bool { return r.ActiveSessions() == 0 })

	// A new request respawns the worker.
	if err := r.Submit(context.Background(), pipeline.Request{SessionID: "s1", Query: "Explain heaps"}, rec.sink); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 1)
}

func TestRegistry_SinkPanicDoesNotStallSession(t *testing.T) {
	r := newRegistry(t, &gateway{})
	rec := newRecorder()
	panicky := func(ev pipeline.Event) {
		if ev.Type() == pipeline.EventStarted {
			panic("boom")
		}
		rec.sink(ev)
	}
	if err := r.Submit(context.Background(), pipeline.Request{SessionID: "s1", Query: "Explain binary trees"}, panicky); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 1)
}
