package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"svr-ingest/capture"
	"svr-ingest/chunks"
	"svr-ingest/database"
	"svr-ingest/metrics"
)

const (
	msgStoppedByUser = "Stopped by user"
	msgReachedEnd    = "Reached the end"
	msgShutdown      = "Stopped by shutdown"
)

// unit is the ingestion loop of a single source. It is owned by one goroutine.
type unit struct {
	source database.Source
	sched  *Scheduler
	opts   Options
	logger zerolog.Logger
	sleep  sleepFunc
}

// safeRun runs the unit and turns a panic into an error status.
func (u *unit) safeRun(ctx context.Context) (status database.Status, msg string) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error().Interface("panic", r).Msg("unit panicked")
			status, msg = database.StatusError, fmt.Sprintf("panic: %v", r)
		}
	}()
	return u.ingest(ctx)
}

func (u *unit) ingest(ctx context.Context) (database.Status, string) {
	fps := u.source.TargetFPS
	if fps <= 0 {
		fps = u.opts.DefaultFPS
	}
	duration := u.source.ChunkDuration
	if duration <= 0 {
		duration = u.opts.DefaultChunkDuration
	}
	framesPerChunk := int(math.Round(fps * duration))
	if framesPerChunk < 1 {
		framesPerChunk = 1
	}

	c, err := u.sched.openCapture(ctx, u.source.URL, capture.Options{
		TargetFPS:   fps,
		Timeout:     u.opts.CaptureTimeout,
		FFmpegPath:  u.opts.FFmpegPath,
		FFprobePath: u.opts.FFprobePath,
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancelledStatus(ctx)
		}
		u.logger.Error().Err(err).Msg("failed to open capture")
		return database.StatusError, err.Error()
	}
	defer c.Close()

	dir := filepath.Join(u.opts.ChunksDir, u.source.ID)
	writerOpts := chunks.Options{
		Size:       image.Pt(u.opts.Frame.Width, u.opts.Frame.Height),
		FPS:        fps,
		Format:     u.opts.Format,
		FFmpegPath: u.opts.FFmpegPath,
	}

	u.logger.Info().
		Float64("fps", fps).
		Int("frames_per_chunk", framesPerChunk).
		Msg("ingesting")

	for {
		if ctx.Err() != nil {
			return cancelledStatus(ctx)
		}
		if !c.HasNext() {
			return database.StatusFinished, msgReachedEnd
		}

		index, err := chunks.NextIndex(dir, u.opts.Format)
		if err != nil {
			return database.StatusError, err.Error()
		}
		path := chunks.ChunkPath(dir, index, u.opts.Format)

		out, err := chunks.Record(path, writerOpts, func(w *chunks.Writer) error {
			return u.fillChunk(ctx, c, w, fps, framesPerChunk)
		})
		u.observeChunk(out, err)

		if err != nil {
			u.logger.Error().Err(err).Str("chunk", path).Msg("chunk failed")
			return database.StatusError, err.Error()
		}
		if out.Committed {
			if err := u.reportChunk(ctx, out); err != nil {
				return database.StatusError, err.Error()
			}
		}
	}
}

// fillChunk reads paced frames into w until the chunk is full, the capture
// is exhausted or ctx is cancelled. Cancellation and exhaustion return nil so
// the frames gathered so far are committed.
func (u *unit) fillChunk(ctx context.Context, c capture.Capture, w *chunks.Writer, fps float64, framesPerChunk int) error {
	for w.FrameCount() < framesPerChunk {
		if ctx.Err() != nil || !c.HasNext() {
			return nil
		}

		frameStart := time.Now()
		img, err := retryWithSleep(ctx, u.opts.MaxRetries, u.opts.RetryInterval, u.sleep,
			func(ctx context.Context) (image.Image, error) {
				img, err := c.ReadFrame(ctx)
				if err == nil {
					return img, nil
				}
				if errors.Is(err, capture.ErrEndOfInput) {
					return nil, Permanent(err)
				}
				metrics.ReadFailures.WithLabelValues(u.source.ID).Inc()
				u.logger.Debug().Err(err).Msg("frame read attempt failed")
				return nil, err
			})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrEndOfInput) {
				return nil
			}
			return err
		}

		frame := PrepareFrame(img, u.opts.Frame, time.Now())
		if err := w.Write(frame); err != nil {
			return err
		}
		metrics.FramesCaptured.WithLabelValues(u.source.ID).Inc()
		u.sched.setFrame(u.source.ID, frame)

		if err := u.paceTo(ctx, fps, frameStart); err != nil {
			return nil
		}
	}
	return nil
}

func (u *unit) observeChunk(out chunks.Outcome, err error) {
	switch {
	case out.Committed:
		metrics.ObserveChunk("committed", out.FrameCount)
		u.logger.Debug().Str("chunk", out.Path).Int("frames", out.FrameCount).Msg("chunk committed")
	case err != nil:
		metrics.ObserveChunk("discarded", out.FrameCount)
	default:
		metrics.ObserveChunk("empty", 0)
	}
}

// reportChunk records a committed chunk with the metadata store, retrying
// with the capture retry policy, then hands it to the publisher.
func (u *unit) reportChunk(ctx context.Context, out chunks.Outcome) error {
	chunk := database.Chunk{
		SourceID:   u.source.ID,
		FilePath:   out.Path,
		StartTime:  out.StartTime,
		EndTime:    out.EndTime,
		FrameCount: out.FrameCount,
	}

	// A committed chunk is reported even when the unit is being stopped.
	rctx := context.WithoutCancel(ctx)
	id, err := retryWithSleep(rctx, u.opts.MaxRetries, u.opts.RetryInterval, u.sleep,
		func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, u.opts.ReportTimeout)
			defer cancel()
			return u.sched.store.ReportChunk(ctx, chunk)
		})
	if err != nil {
		u.logger.Error().Err(err).Str("chunk", out.Path).Msg("failed to report chunk")
		return fmt.Errorf("report chunk %s: %w", out.Path, err)
	}
	chunk.ID = id

	u.sched.publish(chunk)
	return nil
}

func cancelledStatus(ctx context.Context) (database.Status, string) {
	if errors.Is(context.Cause(ctx), ErrShutdown) {
		return database.StatusPaused, msgShutdown
	}
	return database.StatusPaused, msgStoppedByUser
}

func readChunk(path string) ([]byte, error) {
	return os.ReadFile(path)
}
