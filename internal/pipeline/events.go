package pipeline

import (
	"time"

	"github.com/leandrotocalini/consensus/internal/budget"
)

// EventType is the wire name of an event.
type EventType string

const (
	EventStarted         EventType = "started"
	EventStageStarted    EventType = "stage_started"
	EventToken           EventType = "token"
	EventStageRetry      EventType = "stage_retry"
	EventStageCompleted  EventType = "stage_completed"
	EventBudgetSuspended EventType = "budget_suspended"
	EventCompleted       EventType = "completed"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
)

// Event is emitted by a run. Every run emits Started first and exactly one
// of Completed, Failed or Cancelled last.
type Event interface {
	Type() EventType
	Run() string
}

// Terminal reports whether ev ends its run.
func Terminal(ev Event) bool {
	switch ev.Type() {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// Started is the first event of every run.
type Started struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Profile   string    `json:"profile"`
	At        time.Time `json:"at"`
}

// StageStarted is emitted once per stage with the first model tried.
type StageStarted struct {
	RunID string    `json:"run_id"`
	Stage StageKind `json:"stage"`
	Model string    `json:"model"`
}

// Token is one piece of accepted stage output. Only the accepted attempt's
// output is delivered, so a stage's tokens concatenate in Index order to
// its StageResult text. Index starts at 0 and increases strictly per stage.
type Token struct {
	RunID   string    `json:"run_id"`
	Stage   StageKind `json:"stage"`
	Attempt int       `json:"attempt"`
	Index   int       `json:"index"`
	Text    string    `json:"text"`
}

// StageRetry reports that an attempt was abandoned and the stage moves on
// to Model. The abandoned attempt's output is never delivered. Rejected is set when the quality gate refused the output rather
// than the gateway failing.
type StageRetry struct {
	RunID       string    `json:"run_id"`
	Stage       StageKind `json:"stage"`
	Attempt     int       `json:"attempt"`
	Model       string    `json:"model"`
	FailedModel string    `json:"failed_model"`
	Reason      string    `json:"reason"`
	Rejected    bool      `json:"rejected,omitempty"`
}

// StageCompleted carries the accepted result of a stage.
type StageCompleted struct {
	RunID  string      `json:"run_id"`
	Result StageResult `json:"result"`
}

// BudgetSuspended reports that the run is waiting for ApproveBudget.
type BudgetSuspended struct {
	RunID  string        `json:"run_id"`
	Stage  StageKind     `json:"stage"`
	Scope  string        `json:"scope"`
	Actual budget.Micros `json:"actual_micros"`
	Limit  budget.Micros `json:"limit_micros"`
}

// Completed ends a successful run.
type Completed struct {
	RunID  string `json:"run_id"`
	Result Result `json:"result"`
}

// Failed ends a run that could not finish. Err wraps one of the package's
// sentinel errors.
type Failed struct {
	RunID     string        `json:"run_id"`
	Stage     StageKind     `json:"stage"`
	Reason    string        `json:"reason"`
	Err       error         `json:"-"`
	TotalCost budget.Micros `json:"total_cost_micros"`
}

// Cancelled ends a run stopped by Cancel.
type Cancelled struct {
	RunID     string        `json:"run_id"`
	Stage     StageKind     `json:"stage"`
	TotalCost budget.Micros `json:"total_cost_micros"`
}

func (Started) Type() EventType         { return EventStarted }
func (StageStarted) Type() EventType    { return EventStageStarted }
func (Token) Type() EventType           { return EventToken }
func (StageRetry) Type() EventType      { return EventStageRetry }
func (StageCompleted) Type() EventType  { return EventStageCompleted }
func (BudgetSuspended) Type() EventType { return EventBudgetSuspended }
func (Completed) Type() EventType       { return EventCompleted }
func (Failed) Type() EventType          { return EventError }
func (Cancelled) Type() EventType       { return EventCancelled }

func (e Started) Run() string         { return e.RunID }
func (e StageStarted) Run() string    { return e.RunID }
func (e Token) Run() string           { return e.RunID }
func (e StageRetry) Run() string      { return e.RunID }
func (e StageCompleted) Run() string  { return e.RunID }
func (e BudgetSuspended) Run() string { return e.RunID }
func (e Completed) Run() string       { return e.RunID }
func (e Failed) Run() string          { return e.RunID }
func (e Cancelled) Run() string       { return e.RunID }

// Command is sent to a running pipeline.
type Command interface {
	command()
}

// Start submits a new request. It is handled at the session level; a run
// rejects it.
type Start struct {
	Request Request `json:"request"`
}

// Cancel stops the run at the next chunk boundary.
type Cancel struct{}

// UpdateProfile switches the routing profile for stages not yet started.
type UpdateProfile struct {
	Profile string `json:"profile"`
}

// ApproveBudget answers a BudgetSuspended event.
type ApproveBudget struct {
	Approved bool `json:"approved"`
}

func (Start) command()         {}
func (Cancel) command()        {}
func (UpdateProfile) command() {}
func (ApproveBudget) command() {}
