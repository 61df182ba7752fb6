// Package recording runs one cancellable ingestion unit per source: it paces
// capture reads, slices frames into chunks and reports progress to the
// metadata store.
package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"svr-ingest/capture"
	"svr-ingest/chunks"
	"svr-ingest/config"
	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/metrics"
)

var (
	// ErrSchedulerClosed is returned by Add after Shutdown until StartAll re-opens the scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")
	// ErrRemoved is the cancellation cause of a unit stopped by Remove.
	ErrRemoved = errors.New("source removed")
	// ErrShutdown is the cancellation cause of units stopped by Shutdown.
	ErrShutdown = errors.New("scheduler shutdown")
	// ErrInvalidSource is returned by Add for a source without id or url.
	ErrInvalidSource = errors.New("invalid source")
)

// Publisher forwards committed chunks to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, chunk database.Chunk, data []byte) error
}

// Options configure every unit started by a Scheduler.
type Options struct {
	ChunksDir            string
	Frame                FrameOptions
	DefaultFPS           float64
	DefaultChunkDuration float64 // seconds
	Format               chunks.Format
	FFmpegPath           string
	FFprobePath          string
	CaptureTimeout       time.Duration
	MaxRetries           int
	RetryInterval        time.Duration
	PublishConcurrency   int
	ReportTimeout        time.Duration
	PublishTimeout       time.Duration
}

// OptionsFromConfig maps the service configuration onto scheduler options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ChunksDir: cfg.ChunksDir,
		Frame: FrameOptions{
			Width:         cfg.FrameWidth,
			Height:        cfg.FrameHeight,
			DrawTimestamp: cfg.DrawTimestamp,
			Corner:        BottomRight,
		},
		DefaultFPS:           cfg.ChunkFPS,
		DefaultChunkDuration: cfg.ChunkDuration,
		Format:               chunks.Format(cfg.ChunkFormat),
		FFmpegPath:           cfg.FFmpegPath,
		FFprobePath:          cfg.FFprobePath,
		CaptureTimeout:       cfg.CaptureTimeout,
		MaxRetries:           cfg.CaptureMaxRetries,
		RetryInterval:        cfg.CaptureRetryInterval,
		PublishConcurrency:   cfg.PublishConcurrency,
		ReportTimeout:        cfg.CoreTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultFPS <= 0 {
		o.DefaultFPS = 1
	}
	if o.DefaultChunkDuration <= 0 {
		o.DefaultChunkDuration = 60
	}
	if o.Format == "" {
		o.Format = chunks.FormatMP4
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	if o.PublishConcurrency < 1 {
		o.PublishConcurrency = 2
	}
	if o.ReportTimeout <= 0 {
		o.ReportTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Minute
	}
	if o.Frame.Width <= 0 || o.Frame.Height <= 0 {
		o.Frame.Width, o.Frame.Height = 640, 480
	}
	return o
}

// worker is the scheduler's handle on one running unit.
type worker struct {
	source database.Source
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler owns the set of running units, at most one per source id.
type Scheduler struct {
	store     database.MetadataStore
	publisher Publisher
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	closed     bool
	workers    map[string]*worker
	removeSeq  uint64
	removedAt  map[string]uint64 // id -> removeSeq of its last Remove

	framesMu sync.RWMutex
	frames   map[string]image.Image

	publishSem *semaphore.Weighted
	publishWG  sync.WaitGroup

	openCapture func(ctx context.Context, url string, opts capture.Options) (capture.Capture, error)
	sleep       sleepFunc
}

// NewScheduler creates a scheduler. publisher may be nil.
func NewScheduler(store database.MetadataStore, publisher Publisher, opts Options) *Scheduler {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		store:       store,
		publisher:   publisher,
		opts:        opts,
		logger:      logging.WithComponent("scheduler"),
		baseCtx:     ctx,
		cancelBase:  cancel,
		workers:     make(map[string]*worker),
		removedAt:   make(map[string]uint64),
		frames:      make(map[string]image.Image),
		publishSem:  semaphore.NewWeighted(int64(opts.PublishConcurrency)),
		openCapture: capture.Open,
		sleep:       sleepCtx,
	}
}

// Add starts ingesting src unless a unit for src.ID is already running.
func (s *Scheduler) Add(src database.Source) error {
	return s.add(src, nil)
}

// errRemovedSinceListing rejects a StartAll candidate that was removed after
// the active list was read.
var errRemovedSinceListing = errors.New("source removed since listing")

// add starts src. With listedAt set, src is skipped when it was removed after
// that point, so a stale listing can not resurrect a paused source.
func (s *Scheduler) add(src database.Source, listedAt *uint64) error {
	if src.ID == "" || src.URL == "" {
		return fmt.Errorf("%w: id and url are required", ErrInvalidSource)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if listedAt != nil {
		if s.removedAt[src.ID] > *listedAt {
			return errRemovedSinceListing
		}
	} else {
		delete(s.removedAt, src.ID)
	}
	if _, ok := s.workers[src.ID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	w := &worker{source: src, cancel: cancel, done: make(chan struct{})}
	s.workers[src.ID] = w
	metrics.ActiveWorkers.Inc()

	go s.run(ctx, w)
	s.logger.Info().Str("source_id", src.ID).Str("url", src.URL).Msg("started source")
	return nil
}

// Remove stops the unit for id and waits until it has fully stopped.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	s.markRemovedLocked(id)
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	w.cancel(ErrRemoved)
	<-w.done

	// Marked again: a listing read while the unit was stopping may predate
	// its PAUSED report.
	s.mu.Lock()
	s.markRemovedLocked(id)
	s.mu.Unlock()
	s.logger.Info().Str("source_id", id).Msg("stopped source")
}

func (s *Scheduler) markRemovedLocked(id string) {
	s.removeSeq++
	s.removedAt[id] = s.removeSeq
}

// StartAll re-opens a shut-down scheduler and adds every active source
// known to the metadata store.
func (s *Scheduler) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.baseCtx, s.cancelBase = context.WithCancelCause(context.Background())
		s.closed = false
	}
	listedAt := s.removeSeq
	s.mu.Unlock()

	sources, err := s.store.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}

	started := 0
	for _, src := range sources {
		if err := s.add(src, &listedAt); err != nil {
			if errors.Is(err, errRemovedSinceListing) {
				s.logger.Debug().Str("source_id", src.ID).Msg("skipping source removed since listing")
				continue
			}
			s.logger.Error().Err(err).Str("source_id", src.ID).Msg("failed to start source")
			continue
		}
		started++
	}
	s.logger.Debug().Int("sources", len(sources)).Int("added", started).Msg("start all")
	return nil
}

// Shutdown stops every unit without reporting their status and waits for
// them and for in-flight publishes. Add fails until StartAll is called.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.cancelBase(ErrShutdown)
	running := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		running = append(running, w)
	}
	s.mu.Unlock()

	for _, w := range running {
		<-w.done
	}
	s.publishWG.Wait()

	if len(running) > 0 {
		s.logger.Info().Int("stopped", len(running)).Msg("scheduler shut down")
	}
}

// Restart shuts the scheduler down and starts every active source again.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.Shutdown()
	return s.StartAll(ctx)
}

// Running returns the ids of running sources in sorted order.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether a unit for id is running.
func (s *Scheduler) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[id]
	return ok
}

// LatestFrame returns the most recent frame written for a running source.
func (s *Scheduler) LatestFrame(id string) (image.Image, bool) {
	s.framesMu.RLock()
	defer s.framesMu.RUnlock()
	img, ok := s.frames[id]
	return img, ok
}

func (s *Scheduler) setFrame(id string, img image.Image) {
	s.framesMu.Lock()
	s.frames[id] = img
	s.framesMu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, w *worker) {
	defer s.release(w)

	u := &unit{
		source: w.source,
		sched:  s,
		opts:   s.opts,
		logger: s.logger.With().Str("source_id", w.source.ID).Logger(),
		sleep:  s.sleep,
	}
	status, msg := u.safeRun(ctx)
	metrics.UnitsFinished.WithLabelValues(status.String()).Inc()

	if errors.Is(context.Cause(ctx), ErrShutdown) {
		u.logger.Info().Str("status", status.String()).Msg("unit stopped by shutdown, status not reported")
		return
	}
	s.reportStatus(ctx, w.source.ID, status, msg)
}

// release drops w from the active set, then signals waiters. The entry is
// kept until the unit is done so a new unit for the same id can not start
// while this one still owns the chunk directory.
func (s *Scheduler) release(w *worker) {
	id := w.source.ID
	s.mu.Lock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.framesMu.Lock()
	delete(s.frames, id)
	s.framesMu.Unlock()

	w.cancel(nil)
	metrics.ActiveWorkers.Dec()
	close(w.done)
}

func (s *Scheduler) reportStatus(ctx context.Context, id string, status database.Status, msg string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReportTimeout)
	defer cancel()

	if err := s.store.ReportStatus(rctx, id, status, msg); err != nil {
		s.logger.Error().Err(err).Str("source_id", id).Str("status", status.String()).Msg("failed to report status")
		return
	}
	s.logger.Info().Str("source_id", id).Str("status", status.String()).Str("message", msg).Msg("reported status")
}

// publish hands a committed chunk to the publisher on the bounded pool.
func (s *Scheduler) publish(chunk database.Chunk) {
	if s.publisher == nil {
		return
	}
	// Blocks the unit while the pool is saturated.
	if err := s.publishSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	s.publishWG.Add(1)
	go func() {
		defer s.publishWG.Done()
		defer s.publishSem.Release(1)

		logger := s.logger.With().Str("source_id", chunk.SourceID).Str("chunk", chunk.FilePath).Logger()
		data, err := readChunk(chunk.FilePath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read chunk for publishing")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, chunk, data); err != nil {
			logger.Error().Err(err).Msg("failed to publish chunk")
		}
	}()
}
