package recording

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/metrics"
)

func pacingUnit(id string, sleep sleepFunc) *unit {
	return &unit{
		source: database.Source{ID: id},
		logger: logging.WithComponent("scheduler"),
		sleep:  sleep,
	}
}

func TestPaceToSleepsRemainingInterval(t *testing.T) {
	var slept time.Duration
	u := pacingUnit("pace-sleep", func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	require.NoError(t, u.paceTo(context.Background(), 2, time.Now()))
	assert.Greater(t, slept, 400*time.Millisecond)
	assert.LessOrEqual(t, slept, 500*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(metrics.FramesBehindSchedule.WithLabelValues("pace-sleep")))
}

func TestPaceToBehindScheduleContinues(t *testing.T) {
	called := false
	u := pacingUnit("pace-behind", func(ctx context.Context, d time.Duration) error {
		called = true
		return nil
	})

	require.NoError(t, u.paceTo(context.Background(), 10, time.Now().Add(-time.Second)))
	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesBehindSchedule.WithLabelValues("pace-behind")))
}

func TestPaceToInterruptedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u := pacingUnit("pace-cancel", sleepCtx)

	start := time.Now()
	err := u.paceTo(ctx, 0.01, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFrameInterval(t *testing.T) {
	assert.Equal(t, time.Second, frameInterval(1))
	assert.Equal(t, 40*time.Millisecond, frameInterval(25))
	assert.Zero(t, frameInterval(0))
}
