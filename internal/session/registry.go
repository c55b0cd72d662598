// Package session serializes pipeline runs per caller session: each session
// gets its own worker goroutine that runs one request at a time and queues
// the rest.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

const (
	// defaultInactivityTimeout is how long an idle session worker lives.
	defaultInactivityTimeout = 5 * time.Minute

	// defaultQueueSize is how many requests a session may have waiting.
	defaultQueueSize = 8

	// DefaultSession is used for requests that carry no session ID.
	DefaultSession = "default"
)

var (
	ErrQueueFull   = errors.New("session queue full")
	ErrNoActiveRun = errors.New("no active run in session")
	ErrClosed      = errors.New("session registry closed")
)

// Starter launches runs. *pipeline.Coordinator satisfies it.
type Starter interface {
	Start(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

// Sink receives the events of a submitted request, in order. It is called
// from the session's worker goroutine.
type Sink func(pipeline.Event)

// Registry manages goroutine-per-session workers.
// Workers die after an inactivity timeout and respawn on the next request.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*worker
	starter Starter
	logger  *slog.Logger
	closed  bool
	quit    chan struct{}

	inactivityTimeout time.Duration
	queueSize         int
}

// Option configures the registry.
type Option func(*Registry)

// WithInactivityTimeout sets the worker inactivity timeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.inactivityTimeout = d
	}
}

// WithQueueSize sets how many requests may wait per session.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		r.queueSize = n
	}
}

// WithLogger sets the logger for the registry.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a session registry.
func NewRegistry(starter Starter, opts ...Option) *Registry {
	r := &Registry{
		workers:           make(map[string]*worker),
		starter:           starter,
		logger:            slog.Default(),
		quit:              make(chan struct{}),
		inactivityTimeout: defaultInactivityTimeout,
		queueSize:         defaultQueueSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit queues req on its session. Requests of one session run one at a
// time in submission order; sink gets every event of this request. ctx
// bounds the run, including time spent queued.
func (r *Registry) Submit(ctx context.Context, req pipeline.Request, sink Sink) error {
	if req.SessionID == "" {
		req.SessionID = DefaultSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	w, ok := r.workers[req.SessionID]
	if !ok || w.retired {
		w = r.spawnWorker(req.SessionID)
		r.workers[req.SessionID] = w
	}

	select {
	case w.inbox <- job{ctx: ctx, req: req, sink: sink}:
		return nil
	default:
		r.logger.Warn("session queue full, rejecting request", "session", req.SessionID)
		return fmt.Errorf("%w: session %s", ErrQueueFull, req.SessionID)
	}
}

// Send forwards cmd to the session's active run. Start is not accepted
// here; use Submit.
func (r *Registry) Send(sessionID string, cmd pipeline.Command) error {
	if _, ok := cmd.(pipeline.Start); ok {
		return fmt.Errorf("%w: submit Start through the registry", pipeline.ErrUnsupportedCommand)
	}
	run := r.Active(sessionID)
	if run == nil {
		return ErrNoActiveRun
	}
	return run.Send(cmd)
}

// Active returns the session's running request, or nil.
func (r *Registry) Active(sessionID string) *pipeline.Run {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	r.mu.Lock()
	w, ok := r.workers[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.current.Load()
}

// Queued returns how many requests are waiting behind the active one.
func (r *Registry) Queued(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[sessionID]; ok && w.alive() {
		return len(w.inbox)
	}
	return 0
}

// ActiveSessions returns the number of live session workers.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, w := range r.workers {
		if w.alive() {
			count++
		}
	}
	return count
}

// Shutdown cancels active runs, drops queued requests and waits for every
// worker to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.quit)
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		if run := w.current.Load(); run != nil {
			run.Cancel()
		}
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s: %w", w.session, ctx.Err())
		}
	}
	r.logger.Info("session registry stopped", "sessions", len(workers))
	return nil
}

// spawnWorker creates and starts a new session worker goroutine.
func (r *Registry) spawnWorker(session string) *worker {
	w := &worker{
		session: session,
		mu:      &r.mu,
		inbox:   make(chan job, r.queueSize),
		done:    make(chan struct{}),
		quit:    r.quit,
		starter: r.starter,
		timeout: r.inactivityTimeout,
		logger:  r.logger.With("session", session),
	}
	go w.run()
	r.logger.Debug("session worker spawned", "session", session)
	return w
}

type job struct {
	ctx  context.Context
	req  pipeline.Request
	sink Sink
}

// worker runs one session's requests sequentially.
type worker struct {
	session string
	mu      *sync.Mutex // the registry's
	retired bool        // guarded by mu
	inbox   chan job
	done    chan struct{}
	quit    <-chan struct{}
	starter Starter
	timeout time.Duration
	logger  *slog.Logger

	current atomic.Pointer[pipeline.Run]
}

// alive returns true if the worker goroutine is still running.
func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) run() {
	defer close(w.done)

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	for {
		select {
		case j := <-w.inbox:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			w.process(j)
			timer.Reset(w.timeout)

		case <-w.quit:
			w.dropQueued()
			return

		case <-timer.C:
			// Submit enqueues under the registry lock, so retiring under it
			// cannot strand a request.
			w.mu.Lock()
			if len(w.inbox) > 0 {
				w.mu.Unlock()
				timer.Reset(w.timeout)
				continue
			}
			w.retired = true
			w.mu.Unlock()
			w.logger.Debug("session worker exiting due to inactivity")
			return
		}
	}
}

// process runs one request to its terminal event.
func (w *worker) process(j job) {
	select {
	case <-w.quit:
		deliver(w.logger, j.sink, pipeline.Cancelled{RunID: j.req.ID})
		return
	default:
	}
	if j.ctx.Err() != nil {
		deliver(w.logger, j.sink, pipeline.Cancelled{RunID: j.req.ID})
		return
	}

	run, err := w.starter.Start(j.ctx, j.req)
	if err != nil {
		w.logger.Warn("request rejected", "err", err)
		deliver(w.logger, j.sink, pipeline.Failed{RunID: j.req.ID, Reason: err.Error(), Err: err})
		return
	}
	w.current.Store(run)
	defer w.current.Store(nil)
	select {
	case <-w.quit:
		run.Cancel()
	default:
	}

	for ev := range run.Events() {
		deliver(w.logger, j.sink, ev)
	}
}

func (w *worker) dropQueued() {
	for {
		select {
		case j := <-w.inbox:
			deliver(w.logger, j.sink, pipeline.Cancelled{RunID: j.req.ID})
		default:
			return
		}
	}
}

// deliver calls sink, recovering from panics so one bad consumer cannot
// stall the session.
func deliver(logger *slog.Logger, sink Sink, ev pipeline.Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in event sink", "run", ev.Run(), "type", ev.Type(), "panic", r)
		}
	}()
	sink(ev)
}
