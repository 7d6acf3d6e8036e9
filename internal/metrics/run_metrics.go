package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("run-metrics")

// RunMetrics provides metrics collection for generation pipeline runs
type RunMetrics struct {
	runsStartedCounter    metric.Int64Counter
	runsCompletedCounter  metric.Int64Counter
	runsFailedCounter     metric.Int64Counter
	runsCancelledCounter  metric.Int64Counter
	runsDeclinedCounter   metric.Int64Counter
	repairAttemptsCounter metric.Int64Counter
	runDurationHistogram  metric.Float64Histogram
	runsActiveGauge       metric.Int64UpDownCounter
}

// NewRunMetrics creates a new run metrics collector
func NewRunMetrics() (*RunMetrics, error) {
	runsStartedCounter, err := meter.Int64Counter(
		"orchestrator.runs.started",
		metric.WithDescription("Total number of generation runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsCompletedCounter, err := meter.Int64Counter(
		"orchestrator.runs.completed",
		metric.WithDescription("Total number of runs completed successfully"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsFailedCounter, err := meter.Int64Counter(
		"orchestrator.runs.failed",
		metric.WithDescription("Total number of runs that failed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsCancelledCounter, err := meter.Int64Counter(
		"orchestrator.runs.cancelled",
		metric.WithDescription("Total number of runs cancelled by the user or by eviction"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsDeclinedCounter, err := meter.Int64Counter(
		"orchestrator.runs.declined",
		metric.WithDescription("Total number of runs ended by the user declining the proposed stack"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	repairAttemptsCounter, err := meter.Int64Counter(
		"orchestrator.runs.repair_attempts",
		metric.WithDescription("Total number of repair attempts across all runs"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	runDurationHistogram, err := meter.Float64Histogram(
		"orchestrator.run.duration",
		metric.WithDescription("Duration of run execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsActiveGauge, err := meter.Int64UpDownCounter(
		"orchestrator.runs.active",
		metric.WithDescription("Number of currently active runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		runsStartedCounter:    runsStartedCounter,
		runsCompletedCounter:  runsCompletedCounter,
		runsFailedCounter:     runsFailedCounter,
		runsCancelledCounter:  runsCancelledCounter,
		runsDeclinedCounter:   runsDeclinedCounter,
		repairAttemptsCounter: repairAttemptsCounter,
		runDurationHistogram:  runDurationHistogram,
		runsActiveGauge:       runsActiveGauge,
	}, nil
}

// RecordRunStarted records the start of a new run
func (rm *RunMetrics) RecordRunStarted(ctx context.Context, sessionID, tier string) {
	rm.runsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tier", tier),
		),
	)
	rm.runsActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.tier", tier),
		),
	)
}

// RecordRunCompleted records a successful run completion
func (rm *RunMetrics) RecordRunCompleted(ctx context.Context, sessionID, tier string, duration time.Duration) {
	rm.runsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tier", tier),
			attribute.String("status", "completed"),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("session.tier", tier),
			attribute.String("status", "completed"),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("session.tier", tier),
		),
	)
}

// RecordRunFailed records a failed run
func (rm *RunMetrics) RecordRunFailed(ctx context.Context, sessionID, tier, errorType string, duration time.Duration) {
	rm.runsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tier", tier),
			attribute.String("status", "failed"),
			attribute.String("error.type", errorType),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("session.tier", tier),
			attribute.String("status", "failed"),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("session.tier", tier),
		),
	)
}

// RecordRunCancelled records a cancelled run
func (rm *RunMetrics) RecordRunCancelled(ctx context.Context, sessionID, tier string, duration time.Duration) {
	rm.runsCancelledCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tier", tier),
			attribute.String("status", "cancelled"),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("session.tier", tier),
			attribute.String("status", "cancelled"),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("session.tier", tier),
		),
	)
}

// RecordRunDeclined records a run ended at the confirmation gate by a modify
// decision
func (rm *RunMetrics) RecordRunDeclined(ctx context.Context, sessionID, tier string, duration time.Duration) {
	rm.runsDeclinedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.tier", tier),
			attribute.String("status", "declined"),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("session.tier", tier),
			attribute.String("status", "declined"),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("session.tier", tier),
		),
	)
}

// RecordRepairAttempt records one repair round within a run
func (rm *RunMetrics) RecordRepairAttempt(ctx context.Context, sessionID string, attempt int) {
	rm.repairAttemptsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("repair.attempt", attempt),
		),
	)
}
