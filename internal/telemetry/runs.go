package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/leandrotocalini/consensus/internal/pipeline"
)

// RunMetrics records run outcomes and spend as OTel instruments.
type RunMetrics struct {
	runs     metric.Int64Counter
	cost     metric.Float64Histogram
	duration metric.Float64Histogram
	attempts metric.Int64Histogram
}

// NewRunMetrics creates the instruments on meter. Use Meter("consensus/pipeline")
// for the global provider.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	runs, err := meter.Int64Counter("consensus.runs",
		metric.WithDescription("Pipeline runs by terminal outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: runs counter: %w", err)
	}
	cost, err := meter.Float64Histogram("consensus.run.cost",
		metric.WithDescription("Total run cost"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: cost histogram: %w", err)
	}
	duration, err := meter.Float64Histogram("consensus.run.duration",
		metric.WithDescription("Run wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	attempts, err := meter.Int64Histogram("consensus.stage.attempts",
		metric.WithDescription("Attempts needed per accepted stage"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: attempts histogram: %w", err)
	}
	return &RunMetrics{runs: runs, cost: cost, duration: duration, attempts: attempts}, nil
}

// Observe records ev. Pass it to pipeline.WithObserver.
func (m *RunMetrics) Observe(ev pipeline.Event) {
	ctx := context.Background()
	switch e := ev.(type) {
	case pipeline.StageCompleted:
		m.attempts.Record(ctx, int64(e.Result.Attempts),
			metric.WithAttributes(attribute.String("stage", e.Result.Stage.String())))
	case pipeline.Completed:
		outcome := metric.WithAttributes(attribute.String("outcome", string(ev.Type())))
		m.runs.Add(ctx, 1, outcome)
		m.cost.Record(ctx, e.Result.TotalCost.USD(), outcome)
		m.duration.Record(ctx, e.Result.Duration.Seconds(), outcome)
	case pipeline.Failed:
		outcome := metric.WithAttributes(attribute.String("outcome", string(ev.Type())))
		m.runs.Add(ctx, 1, outcome)
		m.cost.Record(ctx, e.TotalCost.USD(), outcome)
	case pipeline.Cancelled:
		outcome := metric.WithAttributes(attribute.String("outcome", string(ev.Type())))
		m.runs.Add(ctx, 1, outcome)
		m.cost.Record(ctx, e.TotalCost.USD(), outcome)
	}
}
