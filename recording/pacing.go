package recording

import (
	"context"
	"time"

	"svr-ingest/metrics"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameInterval is the wall-clock budget of one frame at fps.
func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// paceTo holds the unit to targetFPS: it sleeps for what is left of the frame
// interval started at frameStart. A unit already past its budget continues
// immediately and is counted as behind schedule.
func (u *unit) paceTo(ctx context.Context, targetFPS float64, frameStart time.Time) error {
	remaining := frameInterval(targetFPS) - time.Since(frameStart)
	if remaining > 0 {
		return u.sleep(ctx, remaining)
	}

	metrics.FramesBehindSchedule.WithLabelValues(u.source.ID).Inc()
	u.logger.Warn().
		Dur("behind", -remaining).
		Float64("target_fps", targetFPS).
		Msg("falling behind schedule")
	return ctx.Err()
}
