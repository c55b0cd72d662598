package decisions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxLine bounds a single JSONL entry when reading. Evidence carries
// gateway error bodies, which can exceed bufio's 64KB default.
const maxLine = 1 << 20

// Logger appends decisions to a JSONL stream. Safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	enc       *json.Encoder
	closer    io.Closer
	component string
	now       func() time.Time // injectable clock for testing
}

// NewLogger creates a decision logger that writes to w, tagging every
// entry with component.
func NewLogger(w io.Writer, component string) *Logger {
	return &Logger{
		enc:       json.NewEncoder(w),
		component: component,
		now:       time.Now,
	}
}

// NewFileLogger opens path for appending, creating it and its parent
// directories if needed.
func NewFileLogger(path, component string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create decision log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	l := NewLogger(f, component)
	l.closer = f
	return l, nil
}

// Close closes the underlying file, if the logger opened one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Log stamps d with the current time and the logger's component and
// appends it as one line.
func (l *Logger) Log(d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d.Timestamp = l.now().UTC()
	d.Component = l.component
	if err := l.enc.Encode(d); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	return nil
}

// Filter selects decisions while reading a log.
type Filter func(Decision) bool

// ForRun keeps the decisions of one run.
func ForRun(runID string) Filter {
	return func(d Decision) bool { return d.RunID == runID }
}

// OfType keeps decisions of any of the given types.
func OfType(types ...DecisionType) Filter {
	return func(d Decision) bool {
		for _, t := range types {
			if d.Type == t {
				return true
			}
		}
		return false
	}
}

// Since keeps decisions logged at or after t.
func Since(t time.Time) Filter {
	return func(d Decision) bool { return !d.Timestamp.Before(t) }
}

// ReadLog reads the decisions at path that pass every filter. A missing
// file holds no decisions.
func ReadLog(path string, filters ...Filter) ([]Decision, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()
	return Read(f, filters...)
}

// Read parses JSONL decisions from r, keeping those that pass every
// filter. Blank and malformed lines are skipped, so a line torn by a crash
// does not hide the rest of the log.
func Read(r io.Reader, filters ...Filter) ([]Decision, error) {
	var out []Decision
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

next:
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		for _, keep := range filters {
			if !keep(d) {
				continue next
			}
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read decision log: %w", err)
	}
	return out, nil
}

// Summary counts decisions by type.
func Summary(decisions []Decision) map[DecisionType]int {
	counts := make(map[DecisionType]int)
	for _, d := range decisions {
		counts[d.Type]++
	}
	return counts
}

// FormatTrail renders decisions one per line in log order, for showing how
// a run arrived at its answer.
func FormatTrail(decisions []Decision) string {
	var b strings.Builder
	for _, d := range decisions {
		fmt.Fprintf(&b, "%s  %-8s  %-16s  %s", d.Timestamp.Local().Format("15:04:05"), d.Stage, d.Type, d.Decision)
		if len(d.Alternatives) > 0 {
			fmt.Fprintf(&b, " (instead of %s)", strings.Join(d.Alternatives, ", "))
		}
		if d.Evidence != "" {
			fmt.Fprintf(&b, ": %s", d.Evidence)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
