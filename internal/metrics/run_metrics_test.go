package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMetrics_Creation(t *testing.T) {
	t.Run("successfully create run metrics", func(t *testing.T) {
		rm, err := NewRunMetrics()
		require.NoError(t, err)
		assert.NotNil(t, rm)
		assert.NotNil(t, rm.runsStartedCounter)
		assert.NotNil(t, rm.runsCompletedCounter)
		assert.NotNil(t, rm.runsFailedCounter)
		assert.NotNil(t, rm.runsCancelledCounter)
		assert.NotNil(t, rm.runsDeclinedCounter)
		assert.NotNil(t, rm.repairAttemptsCounter)
		assert.NotNil(t, rm.runDurationHistogram)
		assert.NotNil(t, rm.runsActiveGauge)
	})
}

func TestRunMetrics_RecordLifecycle(t *testing.T) {
	rm, err := NewRunMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("record run started", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRunStarted(ctx, "session-1", "free")
		})
	})

	t.Run("record run completed with duration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRunCompleted(ctx, "session-1", "free", 5*time.Second)
		})
	})

	t.Run("record run failed with error type", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRunFailed(ctx, "session-2", "basic", "VALIDATION_EXHAUSTED", 10*time.Second)
		})
	})

	t.Run("record run cancelled", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRunCancelled(ctx, "session-3", "pro", 2*time.Second)
		})
	})

	t.Run("record run declined", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRunDeclined(ctx, "session-3", "free", time.Second)
		})
	})

	t.Run("record repair attempts", func(t *testing.T) {
		assert.NotPanics(t, func() {
			rm.RecordRepairAttempt(ctx, "session-4", 1)
			rm.RecordRepairAttempt(ctx, "session-4", 2)
		})
	})
}

func TestRunMetrics_MultipleRuns(t *testing.T) {
	rm, err := NewRunMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rm.RecordRunStarted(ctx, "session", "free")
		rm.RecordRunCompleted(ctx, "session", "free", time.Duration(i)*time.Second)
	}
}
