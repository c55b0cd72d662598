package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

// ErrNotInteractive is returned when approval needs a terminal and stdin
// is not one.
var ErrNotInteractive = errors.New("stdin is not a terminal")

// Approver decides whether a suspended run may continue.
type Approver interface {
	Approve(ctx context.Context, ev pipeline.BudgetSuspended) (bool, error)
}

// Fixed answers every suspension the same way (--yes / --no-overrun).
type Fixed bool

func (f Fixed) Approve(context.Context, pipeline.BudgetSuspended) (bool, error) {
	return bool(f), nil
}

// TerminalApprover asks on the controlling terminal with a single
// keypress read in raw mode.
type TerminalApprover struct {
	in  *os.File
	out io.Writer
}

// NewTerminalApprover reads keys from in and writes the question to out.
func NewTerminalApprover(in *os.File, out io.Writer) *TerminalApprover {
	return &TerminalApprover{in: in, out: out}
}

// Approve prompts and waits for y or n. Anything other than y declines.
// Ctrl+C and ctx cancellation decline as well.
func (a *TerminalApprover) Approve(ctx context.Context, ev pipeline.BudgetSuspended) (bool, error) {
	fd := int(a.in.Fd())
	if !term.IsTerminal(fd) {
		return false, ErrNotInteractive
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	// Raw mode turns off output post-processing, so lines end in \r\n.
	fmt.Fprintf(a.out, "%s\r\n", Question(ev))
	fmt.Fprint(a.out, "continue? [y/N] ")

	keys := make(chan byte, 1)
	go func() {
		buf := make([]byte, 1)
		if n, err := a.in.Read(buf); n == 1 && err == nil {
			keys <- buf[0]
		}
		close(keys)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprint(a.out, "\r\n")
		return false, ctx.Err()
	case b, ok := <-keys:
		yes := ok && answer(b)
		if yes {
			fmt.Fprint(a.out, "y\r\n")
		} else {
			fmt.Fprint(a.out, "n\r\n")
		}
		return yes, nil
	}
}

// Question describes the overrun being approved.
func Question(ev pipeline.BudgetSuspended) string {
	return fmt.Sprintf("%s budget of $%.4f exceeded ($%.4f spent); %s has not started yet.",
		ev.Scope, ev.Limit.USD(), ev.Actual.USD(), ev.Stage)
}

func answer(b byte) bool {
	return b == 'y' || b == 'Y'
}

// Stream is a run seen from its consumer. *pipeline.Run satisfies it.
type Stream interface {
	Events() <-chan pipeline.Event
	Send(cmd pipeline.Command) error
}

// Drive renders every event of run and answers budget suspensions with
// approver. It returns the terminal event.
func Drive(ctx context.Context, run Stream, r *Renderer, approver Approver) pipeline.Event {
	var last pipeline.Event
	for ev := range run.Events() {
		r.Render(ev)
		last = ev
		bs, ok := ev.(pipeline.BudgetSuspended)
		if !ok {
			continue
		}
		approved, err := approver.Approve(ctx, bs)
		if err != nil {
			r.Warn("budget not approved: %v", err)
			approved = false
		}
		// The run may already have ended through Cancel; its terminal event
		// still arrives on the channel.
		_ = run.Send(pipeline.ApproveBudget{Approved: approved})
	}
	return last
}
