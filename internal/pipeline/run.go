package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/cache"
	"github.com/leandrotocalini/consensus/internal/catalog"
	"github.com/leandrotocalini/consensus/internal/prompt"
	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

// Run is one request moving through the pipeline. Its events arrive on
// Events; commands go in through Send.
type Run struct {
	c      *Coordinator
	req    Request
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	events   chan Event
	commands chan Command
	done     chan struct{}

	cancelled atomic.Bool
	state     atomic.Int32

	// Owned by the run goroutine.
	profile   string
	assembled *prompt.Assembled
	results   []StageResult
	exceeded  *budget.BudgetExceeded
	started   time.Time

	// Written before done is closed.
	result *Result
	err    error
}

// ID returns the run ID.
func (r *Run) ID() string { return r.req.ID }

// Request returns the request as accepted, with defaults filled in.
func (r *Run) Request() Request { return r.req }

// Events returns the event stream. It is closed after the terminal event.
func (r *Run) Events() <-chan Event { return r.events }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the current lifecycle state.
func (r *Run) State() State { return State(r.state.Load()) }

// Cancel asks the run to stop. It takes effect at the next chunk or stage
// boundary.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
	r.cancel()
}

// Send delivers a command to the run.
func (r *Run) Send(cmd Command) error {
	select {
	case <-r.done:
		return ErrRunFinished
	default:
	}
	switch cmd.(type) {
	case Cancel:
		r.Cancel()
		return nil
	case UpdateProfile, ApproveBudget:
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
	select {
	case r.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Wait blocks until the run finishes and returns its result. Events must
// still be drained by someone for the run to progress.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) emit(ev Event) {
	for _, obs := range r.c.observers {
		obs(ev)
	}
	select {
	case r.events <- ev:
	case <-r.parent.Done():
		if !Terminal(ev) {
			select {
			case r.events <- ev:
			default:
				r.logger.Debug("consumer gone, dropping event", "type", ev.Type())
			}
			return
		}
		t := time.NewTimer(terminalGrace)
		defer t.Stop()
		select {
		case r.events <- ev:
		case <-t.C:
			r.logger.Warn("consumer gone, dropping terminal event", "type", ev.Type())
		}
	}
}

func (r *Run) loop() {
	defer close(r.done)
	defer close(r.events)
	defer r.cancel()

	ctx, span := r.c.tracer.Start(r.ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", r.req.ID),
		attribute.String("run.session", r.req.SessionID),
		attribute.String("run.profile", r.req.Profile),
	))
	defer span.End()

	r.started = r.c.now()
	r.emit(Started{
		RunID:     r.req.ID,
		SessionID: r.req.SessionID,
		Query:     r.req.Query,
		Profile:   r.req.Profile,
		At:        r.req.CreatedAt,
	})

	a, err := r.c.assembler.Assemble(r.req.Query, r.req.CreatedAt, r.req.Fragments)
	if err != nil {
		r.fail(span, &RunError{Kind: ErrContextOverflow, Stage: StageGenerate, Err: err})
		return
	}
	r.assembled = a
	r.logger.Debug("context assembled", "tokens", a.Tokens, "layers", len(a.Layers), "temporal", a.Temporal)

	next := r.prefetch(StageGenerate, r.profile)
	var previous string
	for i, stage := range Stages {
		r.drainCommands()
		if r.stopped() {
			r.finishCancelled(span, stage)
			return
		}
		if err := r.awaitBudget(ctx, stage); err != nil {
			r.end(span, err)
			return
		}
		if err := r.transition(stage.state()); err != nil {
			r.end(span, &RunError{Kind: ErrInvalidTransition, Stage: stage, Err: err})
			return
		}

		plan := <-next
		if plan.profile != r.profile {
			plan = r.plan(stage, r.profile)
		}
		if i+1 < len(Stages) {
			next = r.prefetch(Stages[i+1], r.profile)
		}

		res, err := r.runStage(ctx, stage, plan, previous)
		if err != nil {
			r.end(span, err)
			return
		}
		r.results = append(r.results, res)
		previous = res.Text
	}
	r.complete(span)
}

func (r *Run) transition(to State) error {
	from := r.State()
	if !CanTransition(from, to) {
		return fmt.Errorf("%s → %s", from, to)
	}
	r.state.Store(int32(to))
	return nil
}

// stopped reports whether the run was cancelled by flag or by its parent
// context.
func (r *Run) stopped() bool {
	if r.cancelled.Load() {
		return true
	}
	if r.ctx.Err() != nil {
		r.cancelled.Store(true)
		return true
	}
	return false
}

func (r *Run) drainCommands() {
	for {
		select {
		case cmd := <-r.commands:
			r.handle(cmd)
		default:
			return
		}
	}
}

func (r *Run) handle(cmd Command) {
	switch c := cmd.(type) {
	case UpdateProfile:
		if _, err := r.c.models.Profile(c.Profile); err != nil {
			r.logger.Warn("ignoring profile update", "profile", c.Profile, "err", err)
			return
		}
		r.logger.Info("profile updated", "from", r.profile, "to", c.Profile)
		r.profile = c.Profile
	case ApproveBudget:
		if c.Approved && r.exceeded != nil {
			r.c.ledger.Approve(r.req.ID)
			r.exceeded = nil
		}
	}
}

// awaitBudget suspends the run while a budget limit is exceeded and the
// run has not been approved.
func (r *Run) awaitBudget(ctx context.Context, stage StageKind) error {
	be := r.exceeded
	if be == nil {
		return nil
	}
	if r.c.ledger.Approved(r.req.ID) {
		r.exceeded = nil
		return nil
	}

	r.logger.Warn("budget exceeded, awaiting approval", "scope", be.Scope, "actual", be.Actual, "limit", be.Limit)
	r.emit(BudgetSuspended{RunID: r.req.ID, Stage: stage, Scope: be.Scope, Actual: be.Actual, Limit: be.Limit})

	var timeout <-chan time.Time
	if d := r.c.cfg.ApprovalTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case cmd := <-r.commands:
			approve, ok := cmd.(ApproveBudget)
			if !ok {
				r.handle(cmd)
				continue
			}
			if !approve.Approved {
				return &RunError{Kind: ErrBudgetExceeded, Stage: stage, Reason: "approval declined", Err: be}
			}
			r.c.ledger.Approve(r.req.ID)
			r.exceeded = nil
			r.logger.Info("budget approved")
			return nil
		case <-timeout:
			return &RunError{Kind: ErrBudgetApprovalTimeout, Stage: stage, Err: be}
		case <-ctx.Done():
			r.cancelled.Store(true)
			return &RunError{Kind: ErrCancelled, Stage: stage}
		}
	}
}

// stagePlan is everything a stage needs that does not depend on the
// previous stage's output.
type stagePlan struct {
	profile     string
	models      []catalog.ModelSpec
	temperature float64
	system      []prompt.Message
	err         error
}

// prefetch plans stage in the background.
func (r *Run) prefetch(stage StageKind, profile string) <-chan stagePlan {
	ch := make(chan stagePlan, 1)
	go func() {
		ch <- r.plan(stage, profile)
	}()
	return ch
}

func (r *Run) plan(stage StageKind, profile string) stagePlan {
	p := stagePlan{profile: profile}
	prof, err := r.c.models.Profile(profile)
	if err != nil {
		p.err = err
		return p
	}
	p.temperature = prof.Temperature(stage.String())
	if p.models, err = r.c.models.Fallbacks(stage.String(), profile, 1+r.c.cfg.RetryCeiling); err != nil {
		p.err = err
		return p
	}
	seeds, err := r.c.seeds.Get(stage.String())
	if err != nil {
		p.err = fmt.Errorf("load %s seeds: %w", stage, err)
		return p
	}
	p.system = prompt.StaticStageMessages(seeds, r.assembled)
	return p
}

// runStage tries the plan's models in order until one produces output the
// gate accepts.
func (r *Run) runStage(ctx context.Context, stage StageKind, plan stagePlan, previous string) (StageResult, error) {
	ctx, span := r.c.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("profile", plan.profile),
	))
	defer span.End()

	if plan.err != nil {
		span.SetStatus(codes.Error, plan.err.Error())
		return StageResult{}, &RunError{Kind: ErrAllFallbacksExhausted, Stage: stage, Reason: "no usable model", Err: plan.err}
	}

	started := r.c.now()
	attempts := min(len(plan.models), 1+r.c.cfg.RetryCeiling)
	var (
		stageCost budget.Micros
		lastErr   error
	)
	for i := 0; i < attempts; i++ {
		model := plan.models[i]
		attempt := i + 1
		if i == 0 {
			r.emit(StageStarted{RunID: r.req.ID, Stage: stage, Model: model.ID})
		} else {
			r.emit(StageRetry{
				RunID:       r.req.ID,
				Stage:       stage,
				Attempt:     attempt,
				Model:       model.ID,
				FailedModel: plan.models[i-1].ID,
				Reason:      lastErr.Error(),
				Rejected:    errors.Is(lastErr, ErrStageRejected),
			})
			span.AddEvent("retry", trace.WithAttributes(attribute.String("model", model.ID)))
			r.drainCommands()
			if r.stopped() {
				return StageResult{}, &RunError{Kind: ErrCancelled, Stage: stage}
			}
			if err := r.awaitBudget(ctx, stage); err != nil {
				return StageResult{}, err
			}
		}

		msgs := append(slices.Clone(plan.system), prompt.UserMessage(stage.String(), r.req.Query, previous))

		var fp string
		if stage.Cacheable() && r.c.cache != nil {
			fp = cache.Fingerprint(stage.String(), model.ID, prompt.JoinMessages(msgs))
			if hit, ok := r.c.cache.Get(ctx, fp); ok {
				span.SetAttributes(attribute.Bool("cached", true))
				return r.serveCached(stage, attempt, hit, stageCost, started), nil
			}
		}

		out := r.attempt(ctx, model, plan.temperature, msgs)
		if out.completion != nil {
			stageCost += r.record(stage, model.ID, out.completion.Usage)
		}
		if out.cancelled {
			return StageResult{}, &RunError{Kind: ErrCancelled, Stage: stage}
		}
		if out.err != nil {
			lastErr = &RunError{Kind: classifyGatewayError(out.err, out.timedOut), Stage: stage, Err: out.err}
			r.c.models.Observe(model.ID, out.latency, false)
			r.logger.Warn("stage attempt failed", "stage", stage, "model", model.ID, "attempt", attempt, "err", out.err)
			continue
		}
		if reason := r.c.cfg.Gate.Check(out.text, previous, out.completion.NaturalStop()); reason != "" {
			lastErr = &RunError{Kind: ErrStageRejected, Stage: stage, Reason: reason}
			r.c.models.Observe(model.ID, out.latency, false)
			r.logger.Warn("stage output rejected", "stage", stage, "model", model.ID, "attempt", attempt, "reason", reason)
			continue
		}
		r.c.models.Observe(model.ID, out.latency, true)

		res := StageResult{
			Stage: stage,
			Model: model.ID,
			Text:  out.text,
			Usage: budget.TokenUsage{
				PromptTokens:     out.completion.Usage.PromptTokens,
				CompletionTokens: out.completion.Usage.CompletionTokens,
			},
			Cost:         stageCost,
			Duration:     r.c.now().Sub(started),
			Attempts:     attempt,
			FinishReason: out.completion.FinishReason,
		}
		if fp != "" {
			if err := r.c.cache.Put(ctx, fp, stage.String(), res, r.c.cfg.CacheTTL); err != nil {
				r.logger.Warn("cache write failed", "stage", stage, "err", err)
			}
		}
		span.SetAttributes(attribute.String("model", model.ID), attribute.Int("attempts", attempt))
		for i, text := range out.deltas {
			r.emit(Token{RunID: r.req.ID, Stage: stage, Attempt: attempt, Index: i, Text: text})
		}
		r.emit(StageCompleted{RunID: r.req.ID, Result: res})
		return res, nil
	}

	span.SetStatus(codes.Error, "fallbacks exhausted")
	return StageResult{}, &RunError{
		Kind:   ErrAllFallbacksExhausted,
		Stage:  stage,
		Reason: fmt.Sprintf("%d of %d candidate models tried", attempts, len(plan.models)),
		Err:    lastErr,
	}
}

// serveCached replays a cached result as a single token. Nothing is billed.
func (r *Run) serveCached(stage StageKind, attempt int, hit StageResult, stageCost budget.Micros, started time.Time) StageResult {
	res := hit
	res.Stage = stage
	res.Usage = budget.TokenUsage{}
	res.Cost = stageCost
	res.Cached = true
	res.Attempts = attempt
	res.Duration = r.c.now().Sub(started)

	r.logger.Debug("stage served from cache", "stage", stage, "model", res.Model)
	r.emit(Token{RunID: r.req.ID, Stage: stage, Attempt: attempt, Index: 0, Text: res.Text})
	r.emit(StageCompleted{RunID: r.req.ID, Result: res})
	return res
}

func (r *Run) record(stage StageKind, model string, usage openrouter.TokenUsage) budget.Micros {
	rec, err := r.c.ledger.Record(r.req.ID, stage.String(), model, budget.TokenUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
	var be *budget.BudgetExceeded
	switch {
	case errors.As(err, &be):
		r.exceeded = be
	case err != nil:
		r.logger.Error("cost record failed", "stage", stage, "model", model, "err", err)
	}
	return rec.Cost
}

type attemptResult struct {
	text       string
	deltas     []string
	completion *openrouter.Completion
	err        error
	latency    time.Duration
	cancelled  bool
	timedOut   bool
}

// attempt streams one model call, collecting its deltas and serving
// commands until the executor reports completion. The deltas become Token
// events only once the stage accepts the output, so a stage's tokens always
// concatenate to its result.
func (r *Run) attempt(ctx context.Context, model catalog.ModelSpec, temperature float64, msgs []prompt.Message) attemptResult {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if d := r.c.cfg.StageTimeout; d > 0 {
		actx, cancel = context.WithTimeout(ctx, d)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := openrouter.ChatRequest{
		Model:       model.ID,
		Messages:    wireMessages(msgs),
		Temperature: temperature,
		MaxTokens:   r.c.cfg.MaxTokens,
	}
	out := make(chan execMsg, 16)
	ex := &executor{gateway: r.c.gateway, cancelled: &r.cancelled, logger: r.logger}
	go ex.run(actx, req, model.Streaming, out)

	var (
		b      strings.Builder
		deltas []string
	)
	for {
		select {
		case m := <-out:
			if !m.done {
				if r.cancelled.Load() || m.text == "" {
					continue
				}
				b.WriteString(m.text)
				deltas = append(deltas, m.text)
				continue
			}
			return attemptResult{
				text:       b.String(),
				deltas:     deltas,
				completion: m.completion,
				err:        m.err,
				latency:    m.latency,
				cancelled:  r.stopped(),
				timedOut:   m.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded),
			}
		case cmd := <-r.commands:
			r.handle(cmd)
		}
	}
}

func wireMessages(msgs []prompt.Message) []openrouter.Message {
	out := make([]openrouter.Message, len(msgs))
	for i, m := range msgs {
		out[i] = openrouter.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// flush persists the run's cost records. It runs even when the run was
// cancelled.
func (r *Run) flush() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), flushTimeout)
	defer cancel()
	if err := r.c.ledger.Flush(ctx, r.req.ID); err != nil {
		r.logger.Error("cost ledger flush failed", "err", err)
	}
}

func (r *Run) end(span trace.Span, err error) {
	var re *RunError
	if errors.As(err, &re) && errors.Is(re.Kind, ErrCancelled) {
		r.finishCancelled(span, re.Stage)
		return
	}
	r.fail(span, err)
}

func (r *Run) finishCancelled(span trace.Span, stage StageKind) {
	r.state.Store(int32(StateCancelled))
	r.flush()
	total := r.c.ledger.RunTotal(r.req.ID)
	r.err = &RunError{Kind: ErrCancelled, Stage: stage}
	span.SetStatus(codes.Error, "cancelled")
	r.logger.Info("run cancelled", "stage", stage, "cost", total)
	r.emit(Cancelled{RunID: r.req.ID, Stage: stage, TotalCost: total})
}

func (r *Run) fail(span trace.Span, err error) {
	r.state.Store(int32(StateFailed))
	r.flush()
	total := r.c.ledger.RunTotal(r.req.ID)

	var stage StageKind
	var re *RunError
	if errors.As(err, &re) {
		stage = re.Stage
	}
	r.err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("run failed", "stage", stage, "err", err, "cost", total)
	r.emit(Failed{RunID: r.req.ID, Stage: stage, Reason: err.Error(), Err: err, TotalCost: total})
}

func (r *Run) complete(span trace.Span) {
	if err := r.transition(StateCompleted); err != nil {
		r.fail(span, &RunError{Kind: ErrInvalidTransition, Stage: StageCurate, Err: err})
		return
	}
	r.flush()
	res := &Result{
		RunID:     r.req.ID,
		Text:      r.results[len(r.results)-1].Text,
		Stages:    r.results,
		TotalCost: r.c.ledger.RunTotal(r.req.ID),
		Duration:  r.c.now().Sub(r.started),
	}
	r.result = res
	span.SetStatus(codes.Ok, "")
	r.logger.Info("run completed", "cost", res.TotalCost, "duration", res.Duration)
	r.emit(Completed{RunID: r.req.ID, Result: *res})
}
