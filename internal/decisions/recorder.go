package decisions

import (
	"fmt"
	"log/slog"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

// Recorder turns pipeline events into decisions. Its Observe method is
// meant to be passed to pipeline.WithObserver.
type Recorder struct {
	log    *Logger
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to log.
func NewRecorder(log *Logger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger}
}

// Observe records ev if it marks a choice point. Write failures are logged
// and otherwise ignored; the run does not depend on the decision log.
func (r *Recorder) Observe(ev pipeline.Event) {
	d, ok := FromEvent(ev)
	if !ok {
		return
	}
	if err := r.log.Log(d); err != nil {
		r.logger.Warn("decision log write failed", "run", ev.Run(), "type", d.Type, "err", err)
	}
}

// FromEvent maps an event to the decision it represents. Events that are
// not decisions return false.
func FromEvent(ev pipeline.Event) (Decision, bool) {
	switch e := ev.(type) {
	case pipeline.StageStarted:
		return Decision{
			Type:     ModelSelected,
			RunID:    e.RunID,
			Stage:    e.Stage.String(),
			Decision: e.Model,
			Evidence: "first candidate for the active profile",
		}, true

	case pipeline.StageRetry:
		typ := FallbackUsed
		if e.Rejected {
			typ = StageRejected
		}
		return Decision{
			Type:         typ,
			RunID:        e.RunID,
			Stage:        e.Stage.String(),
			State:        map[string]any{"attempt": e.Attempt},
			Decision:     e.Model,
			Alternatives: []string{e.FailedModel},
			Evidence:     e.Reason,
		}.WithOutcome("retrying"), true

	case pipeline.StageCompleted:
		if !e.Result.Cached {
			return Decision{}, false
		}
		return Decision{
			Type:     CacheHit,
			RunID:    e.RunID,
			Stage:    e.Result.Stage.String(),
			Decision: e.Result.Model,
			Evidence: "stage output served from cache",
		}, true

	case pipeline.BudgetSuspended:
		return Decision{
			Type:  BudgetSuspended,
			RunID: e.RunID,
			Stage: e.Stage.String(),
			State: map[string]any{
				"actual_usd": e.Actual.USD(),
				"limit_usd":  e.Limit.USD(),
			},
			Decision: "suspend",
			Evidence: fmt.Sprintf("%s budget exceeded", e.Scope),
		}, true

	case pipeline.Failed:
		return Decision{
			Type:     RunFailed,
			RunID:    e.RunID,
			Stage:    e.Stage.String(),
			State:    map[string]any{"total_cost_usd": e.TotalCost.USD()},
			Decision: "abort",
			Evidence: e.Reason,
		}.WithOutcome("failed"), true

	case pipeline.Cancelled:
		return Decision{
			Type:     RunCancelled,
			RunID:    e.RunID,
			Stage:    e.Stage.String(),
			State:    map[string]any{"total_cost_usd": e.TotalCost.USD()},
			Decision: "stop",
			Evidence: "cancel requested",
		}.WithOutcome("cancelled"), true
	}
	return Decision{}, false
}
