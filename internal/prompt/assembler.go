package prompt

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
)

// sectionSeparator joins prompt sections and context layers.
const sectionSeparator = "\n\n---\n\n"

// DefaultMaxTokens is the context budget when none is configured.
const DefaultMaxTokens = 8000

// Assembler builds layered context for a query.
type Assembler struct {
	maxTokens int
	estimate  TokenEstimator
	temporal  *TemporalDetector
	logger    *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithMaxTokens sets the token budget.
func WithMaxTokens(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTokenEstimator replaces the runes/4 estimator.
func WithTokenEstimator(fn TokenEstimator) AssemblerOption {
	return func(a *Assembler) {
		if fn != nil {
			a.estimate = fn
		}
	}
}

// WithTemporalKeywords replaces the default temporal keyword set.
func WithTemporalKeywords(keywords []string) AssemblerOption {
	return func(a *Assembler) {
		a.temporal = NewTemporalDetector(keywords)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = l
	}
}

// NewAssembler creates an assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		maxTokens: DefaultMaxTokens,
		estimate:  EstimateTokens,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.temporal == nil {
		a.temporal = NewTemporalDetector(nil)
	}
	return a
}

// MaxTokens returns the configured budget.
func (a *Assembler) MaxTokens() int { return a.maxTokens }

// Estimate returns the token estimate the assembler uses.
func (a *Assembler) Estimate(s string) int { return a.estimate(s) }

// Assemble orders fragments by layer priority and weight and trims them to
// the token budget. The query counts against the budget as part of the
// immediate layer. Temporal fragments from callers are ignored; the
// temporal layer is generated from createdAt when the query calls for it.
func (a *Assembler) Assemble(query string, createdAt time.Time, fragments []Fragment) (*Assembled, error) {
	var immediate, rest []Layer
	for _, f := range fragments {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		if f.Kind == LayerTemporal || f.Kind < LayerImmediate || f.Kind > LayerTemporal {
			a.logger.Debug("ignoring context fragment", "kind", f.Kind.String(), "source", f.Source)
			continue
		}
		l := Layer{Kind: f.Kind, Source: f.Source, Text: f.Text, Weight: f.Weight}
		if f.Kind == LayerImmediate {
			immediate = append(immediate, l)
		} else {
			rest = append(rest, l)
		}
	}
	sortLayers(immediate)
	sortLayers(rest)

	sepTokens := a.estimate(sectionSeparator)
	used := a.estimate(query)
	for i := range immediate {
		immediate[i].Tokens = a.estimate(immediate[i].Text)
		used += immediate[i].Tokens
		if i > 0 {
			used += sepTokens
		}
	}
	if used > a.maxTokens {
		return nil, fmt.Errorf("%w: %d tokens, budget %d", ErrContextOverflow, used, a.maxTokens)
	}

	out := &Assembled{Query: query, MaxTokens: a.maxTokens}
	out.Layers = append(out.Layers, immediate...)

	// cost of adding one more layer to the text
	layerCost := func(tokens int) int {
		if len(out.Layers) == 0 {
			return tokens
		}
		return tokens + sepTokens
	}

	budget := a.maxTokens

	exhausted := false
	for _, l := range rest {
		l.Tokens = a.estimate(l.Text)
		if exhausted {
			out.Trimmed = append(out.Trimmed, Trim{Kind: l.Kind, Source: l.Source, FromTokens: l.Tokens})
			continue
		}
		if c := layerCost(l.Tokens); used+c <= budget {
			used += c
			out.Layers = append(out.Layers, l)
			continue
		}
		exhausted = true
		room := budget - used - layerCost(0)
		cut := a.truncate(l.Text, room)
		if cut == "" {
			out.Trimmed = append(out.Trimmed, Trim{Kind: l.Kind, Source: l.Source, FromTokens: l.Tokens})
			continue
		}
		from := l.Tokens
		l.Text = cut
		l.Tokens = a.estimate(cut)
		l.Truncated = true
		used += layerCost(l.Tokens)
		out.Layers = append(out.Layers, l)
		out.Trimmed = append(out.Trimmed, Trim{Kind: l.Kind, Source: l.Source, FromTokens: from, ToTokens: l.Tokens})
	}

	// Temporal is the lowest-priority layer and is never cut: it goes in
	// whole after every other layer fits, or not at all.
	if a.temporal.Match(query) {
		text := TemporalText(createdAt)
		tl := Layer{Kind: LayerTemporal, Source: "temporal", Text: text, Tokens: a.estimate(text)}
		if c := layerCost(tl.Tokens); !exhausted && used+c <= budget {
			used += c
			out.Layers = append(out.Layers, tl)
			out.Temporal = true
		} else {
			out.Trimmed = append(out.Trimmed, Trim{Kind: LayerTemporal, Source: tl.Source, FromTokens: tl.Tokens})
		}
	}

	texts := make([]string, len(out.Layers))
	for i, l := range out.Layers {
		texts[i] = l.Text
	}
	out.Text = strings.Join(texts, sectionSeparator)
	out.Tokens = used

	if len(out.Trimmed) > 0 {
		a.logger.Debug("context trimmed to budget",
			"layers", len(out.Layers), "trimmed", len(out.Trimmed), "tokens", used, "budget", a.maxTokens)
	}
	return out, nil
}

// truncate returns the longest prefix of s ending at a word boundary whose
// estimate fits in tokens.
func (a *Assembler) truncate(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.estimate(string(runes[:mid])) <= tokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == len(runes) {
		return s
	}
	// Back off to the last whitespace unless the cut already sits on one.
	end := lo
	if !unicode.IsSpace(runes[end]) {
		for end > 0 && !unicode.IsSpace(runes[end-1]) {
			end--
		}
	}
	return strings.TrimRightFunc(string(runes[:end]), unicode.IsSpace)
}

// sortLayers orders by kind, then weight descending. Equal layers keep
// their input order.
func sortLayers(ls []Layer) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].Kind != ls[j].Kind {
			return ls[i].Kind < ls[j].Kind
		}
		return ls[i].Weight > ls[j].Weight
	})
}
