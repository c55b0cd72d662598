package decisions

import "time"

// DecisionType enumerates the choice points a run records.
type DecisionType string

const (
	// ModelSelected: the router picked the first model for a stage.
	ModelSelected DecisionType = "model_selected"
	// FallbackUsed: an attempt failed or was rejected and the stage moved
	// to the next candidate.
	FallbackUsed DecisionType = "fallback_used"
	// StageRejected: the quality gate refused a stage's output and the stage
	// moved to the next candidate.
	StageRejected DecisionType = "stage_rejected"
	// CacheHit: a stage was served from cache instead of calling a model.
	CacheHit DecisionType = "cache_hit"
	// BudgetSuspended: a budget limit was exceeded and the run paused.
	BudgetSuspended DecisionType = "budget_suspended"
	// RunFailed: the run ended with an error.
	RunFailed DecisionType = "run_failed"
	// RunCancelled: the run was cancelled by its caller.
	RunCancelled DecisionType = "run_cancelled"
)

// Decision is a structured log entry recording a significant choice point.
// Not every event is a decision, only points where the pipeline chose
// between alternatives or changed course.
type Decision struct {
	Timestamp    time.Time      `json:"ts"`
	Component    string         `json:"component"`
	Type         DecisionType   `json:"type"`
	RunID        string         `json:"run_id"`
	Stage        string         `json:"stage,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	Decision     string         `json:"decision"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Evidence     string         `json:"evidence"`
	Outcome      *string        `json:"outcome,omitempty"`
}

// WithOutcome returns a copy of the decision with the outcome field set.
func (d Decision) WithOutcome(outcome string) Decision {
	d.Outcome = &outcome
	return d
}
