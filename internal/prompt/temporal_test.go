package prompt

import (
	"strings"
	"testing"
	"time"
)

func TestTemporalDetector_Default(t *testing.T) {
	d := NewTemporalDetector(nil)

	tests := []struct {
		query string
		want  bool
	}{
		{"What is the latest version of Go?", true},
		{"Any NEWS about Kubernetes?", true},
		{"what's new in postgres", true},
		{"Bitcoin price", true},
		{"How does it compare this week?", true},
		{"changes in v1.22", true},
		{"upgrade from 1.2.3", true},
		{"what happened in 2024", true},
		{"Explain binary trees", false},
		{"nowhere to be found", false},
		{"marketing copy", false},
		{"pi is about 3.14", false},
		{"port 8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := d.Match(tt.query); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestTemporalDetector_CustomKeywords(t *testing.T) {
	d := NewTemporalDetector([]string{"release train"})
	if !d.Match("when is the next release train?") {
		t.Error("custom keyword not matched")
	}
	if d.Match("latest docs") {
		t.Error("default keywords should be replaced")
	}
	if !d.Match("since 1999") {
		t.Error("years always match")
	}
}

func TestTemporalText_Format(t *testing.T) {
	ts := time.Date(2025, time.January, 6, 23, 30, 0, 0, time.FixedZone("X", 2*3600))
	text := TemporalText(ts)

	want := "IMPORTANT: Today's date is Monday, January 6, 2025. This request was created at 2025-01-06T21:30:00Z."
	if !strings.HasPrefix(text, want) {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "\nInterpret all time-sensitive information relative to this timestamp") {
		t.Errorf("missing interpretation line: %q", text)
	}
}
