// Package metrics exposes Prometheus collectors fed by pipeline events.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

const namespace = "consensus"

// Collectors holds every metric the process exports.
type Collectors struct {
	gatherer prometheus.Gatherer

	RunsStarted      prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageTokens      *prometheus.CounterVec
	StageCost        *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	BudgetSuspension *prometheus.CounterVec
	TokenEvents      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		gatherer: reg,

		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of pipeline runs by terminal event",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time in seconds, including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "cached"}),
		StageTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_tokens_total",
			Help:      "Tokens billed for accepted stage attempts",
		}, []string{"stage", "direction"}),
		StageCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cost_usd_total",
			Help:      "Stage cost in US dollars, including rejected attempts",
		}, []string{"stage"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Stages served from cache",
		}, []string{"stage"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Attempts abandoned for the next fallback model",
		}, []string{"stage", "reason"}),
		BudgetSuspension: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_suspensions_total",
			Help:      "Runs suspended on an exceeded budget",
		}, []string{"scope"}),
		TokenEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_events_total",
			Help:      "Streamed token events emitted to callers",
		}),
	}
}

// RegisterActiveSessions exports fn as the live session worker gauge.
func RegisterActiveSessions(reg *prometheus.Registry, fn func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live session workers",
	}, func() float64 { return float64(fn()) })
}

// Observe updates the collectors from one event. Pass it to
// pipeline.WithObserver.
func (c *Collectors) Observe(ev pipeline.Event) {
	switch e := ev.(type) {
	case pipeline.Started:
		c.RunsStarted.Inc()
	case pipeline.Token:
		c.TokenEvents.Inc()
	case pipeline.StageRetry:
		reason := "failure"
		if e.Rejected {
			reason = "rejected"
		}
		c.Retries.WithLabelValues(e.Stage.String(), reason).Inc()
	case pipeline.StageCompleted:
		res := e.Result
		stage := res.Stage.String()
		c.StageDuration.WithLabelValues(stage, strconv.FormatBool(res.Cached)).Observe(res.Duration.Seconds())
		c.StageTokens.WithLabelValues(stage, "prompt").Add(float64(res.Usage.PromptTokens))
		c.StageTokens.WithLabelValues(stage, "completion").Add(float64(res.Usage.CompletionTokens))
		c.StageCost.WithLabelValues(stage).Add(res.Cost.USD())
		if res.Cached {
			c.CacheHits.WithLabelValues(stage).Inc()
		}
	case pipeline.BudgetSuspended:
		c.BudgetSuspension.WithLabelValues(e.Scope).Inc()
	case pipeline.Completed, pipeline.Failed, pipeline.Cancelled:
		c.RunsFinished.WithLabelValues(string(ev.Type())).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
