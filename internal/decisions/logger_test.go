package decisions

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2026, 2, 25, 14, 30, 12, 0, time.UTC)
}

func TestLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pipeline")
	logger.now = fixedClock

	err := logger.Log(Decision{
		Type:         FallbackUsed,
		RunID:        "run-1",
		Stage:        "refine",
		Decision:     "b/second",
		Alternatives: []string{"a/first"},
		Evidence:     "gateway timeout",
	})
	if err != nil {
		t.Fatalf("log failed: %v", err)
	}

	line := buf.String()
	for _, want := range []string{
		`"type":"fallback_used"`,
		`"component":"pipeline"`,
		`"run_id":"run-1"`,
		`"decision":"b/second"`,
		`"ts":"2026-02-25T14:30:12Z"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %s: %s", want, line)
		}
	}
	if strings.Count(line, "\n") != 1 || !strings.HasSuffix(line, "\n") {
		t.Errorf("want exactly one terminated line, got %q", line)
	}
}

func TestLogger_ComponentOverridesCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pipeline")
	logger.now = fixedClock

	logger.Log(Decision{Type: CacheHit, Component: "other", RunID: "r"})

	got, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Component != "pipeline" {
		t.Fatalf("got %+v", got)
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pipeline")
	logger.now = fixedClock

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			logger.Log(Decision{Type: ModelSelected, RunID: "concurrent", Decision: "a/first"})
		}()
	}
	wg.Wait()

	got, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Errorf("expected %d intact entries, got %d", n, len(got))
	}
}

const sampleLog = `{"ts":"2026-02-25T14:30:12Z","component":"pipeline","type":"model_selected","run_id":"r1","stage":"generate","decision":"a/first","evidence":"first candidate"}
not json at all

{"ts":"2026-02-25T14:30:13Z","component":"pipeline","type":"cache_hit","run_id":"r2","stage":"refine","decision":"b/second","evidence":"cached"}
{"ts":"2026-02-25T14:31:00Z","component":"pipeline","type":"fallback_used","run_id":"r1","stage":"refine","decision":"c/third","alternatives":["b/second"],"evidence":"timeout"}
{"ts":"2026-02-25T14:32:00Z","component":"pipeline","type":"run_failed","run_id":"r1","stage":"validate","decision":"abort","evidence":"no candidates"}
`

func TestRead_Filters(t *testing.T) {
	tests := []struct {
		name    string
		filters []Filter
		want    []DecisionType
	}{
		{
			name: "none skips malformed and blank lines",
			want: []DecisionType{ModelSelected, CacheHit, FallbackUsed, RunFailed},
		},
		{
			name:    "one run",
			filters: []Filter{ForRun("r1")},
			want:    []DecisionType{ModelSelected, FallbackUsed, RunFailed},
		},
		{
			name:    "types",
			filters: []Filter{OfType(CacheHit, RunFailed)},
			want:    []DecisionType{CacheHit, RunFailed},
		},
		{
			name:    "filters combine",
			filters: []Filter{ForRun("r1"), Since(time.Date(2026, 2, 25, 14, 31, 0, 0, time.UTC))},
			want:    []DecisionType{FallbackUsed, RunFailed},
		},
		{
			name:    "no match",
			filters: []Filter{ForRun("missing")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(strings.NewReader(sampleLog), tt.filters...)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var types []DecisionType
			for _, d := range got {
				types = append(types, d.Type)
			}
			if len(types) != len(tt.want) {
				t.Fatalf("got %v, want %v", types, tt.want)
			}
			for i := range types {
				if types[i] != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, types[i], tt.want[i])
				}
			}
		})
	}
}

func TestRead_LongLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pipeline")
	logger.Log(Decision{Type: RunFailed, RunID: "r", Evidence: strings.Repeat("x", 200_000)})

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || len(got[0].Evidence) != 200_000 {
		t.Fatalf("long entry not read back")
	}
}

func TestSummary(t *testing.T) {
	summary := Summary([]Decision{
		{Type: ModelSelected},
		{Type: FallbackUsed},
		{Type: ModelSelected},
		{Type: BudgetSuspended},
		{Type: FallbackUsed},
		{Type: FallbackUsed},
	})
	want := map[DecisionType]int{ModelSelected: 2, FallbackUsed: 3, BudgetSuspended: 1}
	for typ, n := range want {
		if summary[typ] != n {
			t.Errorf("%s: got %d, want %d", typ, summary[typ], n)
		}
	}
}

func TestFormatTrail(t *testing.T) {
	got, err := Read(strings.NewReader(sampleLog), ForRun("r1"), OfType(FallbackUsed))
	if err != nil {
		t.Fatal(err)
	}
	trail := FormatTrail(got)
	for _, want := range []string{"refine", "fallback_used", "c/third (instead of b/second): timeout"} {
		if !strings.Contains(trail, want) {
			t.Errorf("trail missing %q:\n%s", want, trail)
		}
	}
	if strings.Count(trail, "\n") != 1 {
		t.Errorf("want one line, got:\n%s", trail)
	}
	if FormatTrail(nil) != "" {
		t.Error("empty trail should render nothing")
	}
}

func TestWithOutcome(t *testing.T) {
	d := Decision{Type: FallbackUsed, Decision: "b/second"}

	updated := d.WithOutcome("accepted")
	if updated.Outcome == nil || *updated.Outcome != "accepted" {
		t.Fatalf("outcome not set: %+v", updated)
	}
	if d.Outcome != nil {
		t.Error("original decision should not be modified")
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "decisions.jsonl")

	logger, err := NewFileLogger(path, "pipeline")
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	logger.now = fixedClock
	logger.Log(Decision{Type: ModelSelected, RunID: "r1", Decision: "a/first"})
	logger.Log(Decision{Type: CacheHit, RunID: "r2", Decision: "a/first"})
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening appends.
	logger, err = NewFileLogger(path, "pipeline")
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(Decision{Type: RunCancelled, RunID: "r1", Decision: "stop"})
	logger.Close()

	all, err := ReadLog(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 decisions, got %d", len(all))
	}
	r1, _ := ReadLog(path, ForRun("r1"))
	if len(r1) != 2 {
		t.Errorf("expected 2 decisions for r1, got %d", len(r1))
	}
}

func TestReadLog_FileNotFound(t *testing.T) {
	got, err := ReadLog(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 decisions, got %d", len(got))
	}
}

func TestNewLogger_CloseWithoutFile(t *testing.T) {
	if err := NewLogger(&bytes.Buffer{}, "pipeline").Close(); err != nil {
		t.Fatal(err)
	}
}
