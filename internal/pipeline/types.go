// Package pipeline runs a query through the four consensus stages
// (generate, refine, validate, curate), streaming each stage's output as
// events while the coordinator handles routing, caching, retries, budget
// suspension and cancellation.
package pipeline

import (
	"fmt"
	"time"

	"github.com/leandrotocalini/consensus/internal/budget"
	"github.com/leandrotocalini/consensus/internal/prompt"
)

// StageKind identifies one of the four pipeline stages.
type StageKind int

const (
	StageGenerate StageKind = iota
	StageRefine
	StageValidate
	StageCurate
)

// Stages lists every stage in execution order.
var Stages = []StageKind{StageGenerate, StageRefine, StageValidate, StageCurate}

func (s StageKind) String() string {
	switch s {
	case StageGenerate:
		return prompt.StageGenerate
	case StageRefine:
		return prompt.StageRefine
	case StageValidate:
		return prompt.StageValidate
	case StageCurate:
		return prompt.StageCurate
	default:
		return "unknown"
	}
}

// Cacheable reports whether results of this stage may be served from cache.
// Validate and curate always call a model.
func (s StageKind) Cacheable() bool {
	return s == StageGenerate || s == StageRefine
}

// state returns the run state entered when this stage starts.
func (s StageKind) state() State {
	switch s {
	case StageGenerate:
		return StateGenerating
	case StageRefine:
		return StateRefining
	case StageValidate:
		return StateValidating
	default:
		return StateCurating
	}
}

// ParseStage parses a stage name.
func ParseStage(name string) (StageKind, bool) {
	for _, s := range Stages {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText encodes the stage as its name.
func (s StageKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *StageKind) UnmarshalText(b []byte) error {
	k, ok := ParseStage(string(b))
	if !ok {
		return fmt.Errorf("unknown stage %q", b)
	}
	*s = k
	return nil
}

// State is the lifecycle state of a run.
type State int

const (
	StateCreated State = iota
	StateGenerating
	StateRefining
	StateValidating
	StateCurating
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateGenerating:
		return "generating"
	case StateRefining:
		return "refining"
	case StateValidating:
		return "validating"
	case StateCurating:
		return "curating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether from → to is a legal move. Stages advance
// strictly in order; any non-terminal state may be cancelled or fail.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	case StateGenerating:
		return from == StateCreated
	case StateRefining:
		return from == StateGenerating
	case StateValidating:
		return from == StateRefining
	case StateCurating:
		return from == StateValidating
	case StateCompleted:
		return from == StateCurating
	default:
		return false
	}
}

// Request is one query submitted to the pipeline.
type Request struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Query     string            `json:"query"`
	Profile   string            `json:"profile"`
	Fragments []prompt.Fragment `json:"fragments,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// StageResult is the accepted output of one stage.
type StageResult struct {
	Stage        StageKind         `json:"stage"`
	Model        string            `json:"model"`
	Text         string            `json:"text"`
	Usage        budget.TokenUsage `json:"usage"`
	Cost         budget.Micros     `json:"cost_micros"`
	Duration     time.Duration     `json:"duration"`
	Cached       bool              `json:"cached"`
	Attempts     int               `json:"attempts"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// Result is the outcome of a completed run.
type Result struct {
	RunID     string        `json:"run_id"`
	Text      string        `json:"text"`
	Stages    []StageResult `json:"stages"`
	TotalCost budget.Micros `json:"total_cost_micros"`
	Duration  time.Duration `json:"duration"`
}
