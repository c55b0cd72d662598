package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultTemporalKeywords are phrases that make a query time-sensitive.
var DefaultTemporalKeywords = []string{
	"latest", "recent", "current", "today", "now",
	"this week", "this month", "this year",
	"what's new", "recent updates", "current version",
	"search", "lookup", "find online", "web search",
	"news", "trends", "latest release", "just released", "recently published",
	"stock price", "market", "cryptocurrency", "bitcoin",
}

var (
	versionPattern = regexp.MustCompile(`(?i)\bv\d+\.\d+(?:\.\d+)*\b|\b\d+\.\d+\.\d+\b`)
	yearPattern    = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
)

// TemporalDetector decides whether a query needs the temporal layer.
type TemporalDetector struct {
	patterns []*regexp.Regexp
}

// NewTemporalDetector compiles keywords into a case-insensitive,
// word-bounded matcher. Version and year references always match.
// An empty keyword list uses DefaultTemporalKeywords.
func NewTemporalDetector(keywords []string) *TemporalDetector {
	if len(keywords) == 0 {
		keywords = DefaultTemporalKeywords
	}
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(k))
	}

	d := &TemporalDetector{}
	if len(quoted) > 0 {
		d.patterns = append(d.patterns, regexp.MustCompile(`(?i)\b(?:`+strings.Join(quoted, "|")+`)\b`))
	}
	d.patterns = append(d.patterns, versionPattern, yearPattern)
	return d
}

// Match reports whether query is time-sensitive.
func (d *TemporalDetector) Match(query string) bool {
	for _, p := range d.patterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// TemporalText is the temporal layer for a request created at createdAt.
func TemporalText(createdAt time.Time) string {
	t := createdAt.UTC()
	return fmt.Sprintf("IMPORTANT: Today's date is %s. This request was created at %s.\n"+
		`Interpret all time-sensitive information relative to this timestamp: "current", "latest", "recent", "today" and "now" refer to this date, and anything you know from before it may be outdated.`,
		t.Format("Monday, January 2, 2006"), t.Format(time.RFC3339))
}
