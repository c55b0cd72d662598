// Package cli renders pipeline events on a terminal and asks the user to
// approve budget overruns.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

// ANSI escape codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ColorEnabled reports whether f is a terminal that should get colour.
// NO_COLOR turns colour off regardless.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Renderer writes a human-readable transcript of a run. Only curate tokens
// are printed unless verbose is set, in which case every stage streams and
// intermediate stages are dimmed.
type Renderer struct {
	mu      sync.Mutex
	w       io.Writer
	color   bool
	verbose bool

	// streaming is the stage whose tokens were printed last; -1 for none.
	streaming pipeline.StageKind
	midLine   bool
}

// RenderOption configures a Renderer.
type RenderOption func(*Renderer)

// WithColor forces colour on or off.
func WithColor(on bool) RenderOption {
	return func(r *Renderer) { r.color = on }
}

// WithVerbose streams every stage's tokens.
func WithVerbose(on bool) RenderOption {
	return func(r *Renderer) { r.verbose = on }
}

// NewRenderer creates a renderer writing to w. Colour defaults to on when
// w is a terminal.
func NewRenderer(w io.Writer, opts ...RenderOption) *Renderer {
	r := &Renderer{w: w, streaming: -1}
	if f, ok := w.(*os.File); ok {
		r.color = ColorEnabled(f)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render prints one event. Safe for concurrent use.
func (r *Renderer) Render(ev pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case pipeline.Started:
		r.header("consensus · %s · profile %s", e.RunID, e.Profile)

	case pipeline.StageStarted:
		r.status("● %s · %s", e.Stage, e.Model)

	case pipeline.Token:
		if !r.shows(e.Stage) {
			return
		}
		if r.streaming != e.Stage {
			r.endLine()
			r.streaming = e.Stage
		}
		text := e.Text
		if r.color && e.Stage != pipeline.StageCurate {
			text = ansiDim + text + ansiReset
		}
		fmt.Fprint(r.w, text)
		r.midLine = !strings.HasSuffix(e.Text, "\n")

	case pipeline.StageRetry:
		r.endLine()
		what := "failed"
		if e.Rejected {
			what = "rejected"
		}
		r.warn("↻ %s %s on %s: %s; retrying with %s", e.Stage, what, e.FailedModel, e.Reason, e.Model)

	case pipeline.StageCompleted:
		r.endLine()
		res := e.Result
		detail := fmt.Sprintf("%s · %s · %s · $%.6f", res.Stage, res.Model, res.Duration.Round(time.Millisecond), res.Cost.USD())
		if res.Cached {
			detail += " · cached"
		}
		if res.Attempts > 1 {
			detail += fmt.Sprintf(" · %d attempts", res.Attempts)
		}
		r.ok("✓ %s", detail)

	case pipeline.BudgetSuspended:
		r.endLine()
		r.warn("%s budget exceeded: $%.4f of $%.4f spent before %s", e.Scope, e.Actual.USD(), e.Limit.USD(), e.Stage)

	case pipeline.Completed:
		r.endLine()
		if r.streaming != pipeline.StageCurate {
			// Curate output was not streamed (cached replay or quiet mode).
			fmt.Fprintln(r.w)
			fmt.Fprintln(r.w, e.Result.Text)
		}
		r.header("done · %s · $%.6f", e.Result.Duration.Round(time.Millisecond), e.Result.TotalCost.USD())

	case pipeline.Failed:
		r.endLine()
		r.fail("error in %s: %s ($%.6f spent)", e.Stage, e.Reason, e.TotalCost.USD())

	case pipeline.Cancelled:
		r.endLine()
		r.warn("cancelled during %s ($%.6f spent)", e.Stage, e.TotalCost.USD())
	}
}

// Warn prints a warning line outside the event stream.
func (r *Renderer) Warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	r.warn(format, args...)
}

func (r *Renderer) shows(stage pipeline.StageKind) bool {
	return r.verbose || stage == pipeline.StageCurate
}

func (r *Renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

func (r *Renderer) header(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "\n%s%s%s\n\n", ansiBold+ansiCyan, text, ansiReset)
	} else {
		fmt.Fprintf(r.w, "\n%s\n\n", text)
	}
}

func (r *Renderer) status(format string, args ...any) {
	r.endLine()
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "%s%s%s\n", ansiDim, text, ansiReset)
	} else {
		fmt.Fprintf(r.w, "%s\n", text)
	}
}

func (r *Renderer) ok(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "%s%s%s\n", ansiGreen, text, ansiReset)
	} else {
		fmt.Fprintf(r.w, "%s\n", text)
	}
}

func (r *Renderer) warn(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "%s%s%s\n", ansiYellow, text, ansiReset)
	} else {
		fmt.Fprintf(r.w, "WARN %s\n", text)
	}
}

func (r *Renderer) fail(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.w, "%s%s%s\n", ansiBold+ansiRed, text, ansiReset)
	} else {
		fmt.Fprintf(r.w, "ERROR %s\n", text)
	}
}

// Table prints rows as aligned columns with a gray header.
func (r *Renderer) Table(header []string, rows [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := range header {
			if i < len(row) && len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(header))
		for i := range header {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	if r.color {
		fmt.Fprintf(r.w, "%s%s%s\n", ansiGray, line(header), ansiReset)
	} else {
		fmt.Fprintln(r.w, line(header))
	}
	for _, row := range rows {
		fmt.Fprintln(r.w, line(row))
	}
}
