package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/leandrotocalini/consensus/internal/provider/openrouter"
)

// Failure kinds. RunError.Kind is always one of these.
var (
	ErrContextOverflow       = errors.New("context overflow")
	ErrGatewayRateLimited    = errors.New("gateway rate limited")
	ErrGatewayHardFailure    = errors.New("gateway hard failure")
	ErrGatewayTimeout        = errors.New("gateway timeout")
	ErrStageRejected         = errors.New("stage output rejected")
	ErrAllFallbacksExhausted = errors.New("all fallbacks exhausted")
	ErrBudgetExceeded        = errors.New("budget exceeded")
	ErrBudgetApprovalTimeout = errors.New("budget approval timed out")
	ErrCancelled             = errors.New("run cancelled")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrRunFinished           = errors.New("run already finished")
	ErrCommandQueueFull      = errors.New("command queue full")
	ErrUnsupportedCommand    = errors.New("unsupported command")
	ErrEmptyQuery            = errors.New("empty query")
)

// RunError describes why a run or stage attempt failed.
type RunError struct {
	Kind   error
	Stage  StageKind
	Reason string
	Err    error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *RunError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classifyGatewayError maps a gateway error onto a failure kind. timedOut
// is set when the stage's own deadline fired.
func classifyGatewayError(err error, timedOut bool) error {
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return ErrGatewayTimeout
	}
	ce, ok := openrouter.AsClassified(err)
	if !ok {
		return ErrGatewayHardFailure
	}
	switch ce.Outcome() {
	case openrouter.OutcomeRateLimited:
		return ErrGatewayRateLimited
	case openrouter.OutcomeTimeout:
		return ErrGatewayTimeout
	default:
		return ErrGatewayHardFailure
	}
}
