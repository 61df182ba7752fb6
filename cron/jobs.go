// Package cron runs the periodic maintenance jobs of the ingestion service.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"svr-ingest/config"
	"svr-ingest/logging"
	"svr-ingest/metrics"
)

const bytesPerGB = 1 << 30

// Reconciler starts every ACTIVE source that is not running yet.
type Reconciler interface {
	StartAll(ctx context.Context) error
}

// Jobs owns the cron scheduler and its two jobs: reconcile and disk check.
type Jobs struct {
	cron              *cron.Cron
	reconciler        Reconciler
	reconcileSchedule string
	diskSchedule      string
	reconcileTimeout  time.Duration
	chunksDir         string
	minFreeBytes      uint64
	logger            zerolog.Logger
	diskUsage         func(path string) (*disk.UsageStat, error)
}

// NewJobs creates the jobs with schedules taken from cfg.
func NewJobs(reconciler Reconciler, cfg config.Config) *Jobs {
	logger := logging.WithComponent("cron")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger))),
	)
	return &Jobs{
		cron:              c,
		reconciler:        reconciler,
		reconcileSchedule: cfg.ReconcileSchedule,
		diskSchedule:      cfg.DiskCheckSchedule,
		reconcileTimeout:  cfg.CoreTimeout * 3,
		chunksDir:         cfg.ChunksDir,
		minFreeBytes:      uint64(cfg.MinFreeSpaceGB) * bytesPerGB,
		logger:            logger,
		diskUsage:         disk.Usage,
	}
}

// Start registers the jobs, runs the disk check once and blocks until ctx is
// cancelled. Running jobs are waited for before it returns.
func (j *Jobs) Start(ctx context.Context) error {
	if j.reconcileSchedule != "" {
		if _, err := j.cron.AddFunc(j.reconcileSchedule, func() { j.RunReconcile(ctx) }); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", j.reconcileSchedule, err)
		}
	}
	if j.diskSchedule != "" {
		if _, err := j.cron.AddFunc(j.diskSchedule, func() { j.logDiskCheck() }); err != nil {
			return fmt.Errorf("invalid disk check schedule %q: %w", j.diskSchedule, err)
		}
	}

	j.logger.Info().
		Str("reconcile", j.reconcileSchedule).
		Str("disk_check", j.diskSchedule).
		Msg("starting cron jobs")
	j.cron.Start()
	j.logDiskCheck()

	<-ctx.Done()

	<-j.cron.Stop().Done()
	j.logger.Info().Msg("cron jobs stopped")
	return nil
}

// RunReconcile asks the reconciler to start every ACTIVE source.
func (j *Jobs) RunReconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	timeout := j.reconcileTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := j.reconciler.StartAll(runCtx); err != nil {
		j.logger.Error().Err(err).Msg("reconcile failed")
		return
	}
	j.logger.Debug().Msg("reconcile completed")
}

// RunDiskCheck reports the free space of the chunks volume and whether it is
// below the configured minimum.
func (j *Jobs) RunDiskCheck() (free uint64, low bool, err error) {
	usage, err := j.diskUsage(j.chunksDir)
	if err != nil {
		return 0, false, fmt.Errorf("disk usage of %s: %w", j.chunksDir, err)
	}
	metrics.ChunksDiskFreeBytes.Set(float64(usage.Free))
	return usage.Free, j.minFreeBytes > 0 && usage.Free < j.minFreeBytes, nil
}

func (j *Jobs) logDiskCheck() {
	free, low, err := j.RunDiskCheck()
	if err != nil {
		j.logger.Error().Err(err).Msg("disk check failed")
		return
	}
	ev := j.logger.Debug()
	if low {
		ev = j.logger.Warn()
	}
	ev.Str("path", j.chunksDir).
		Float64("free_gb", float64(free)/bytesPerGB).
		Float64("min_free_gb", float64(j.minFreeBytes)/bytesPerGB).
		Msg("chunks volume free space")
}
