package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"svr-ingest/capture"
	"svr-ingest/chunks"
	"svr-ingest/database"
)

type statusReport struct {
	ID      string
	Status  database.Status
	Message string
}

type fakeStore struct {
	mu       sync.Mutex
	active   []database.Source
	statuses []statusReport
	chunks   []database.Chunk
	statusCh chan statusReport
	nextID   int

	chunkErr   error // returned by every ReportChunk when set
	chunkCalls int
	listHook   func() // runs once inside the next ListActiveSources
}

func newFakeStore(active ...database.Source) *fakeStore {
	return &fakeStore{active: active, statusCh: make(chan statusReport, 64)}
}

func (f *fakeStore) ListActiveSources(ctx context.Context) ([]database.Source, error) {
	f.mu.Lock()
	active := append([]database.Source(nil), f.active...)
	hook := f.listHook
	f.listHook = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return active, nil
}

func (f *fakeStore) setListHook(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHook = hook
}

func (f *fakeStore) ReportStatus(ctx context.Context, id string, status database.Status, msg string) error {
	r := statusReport{ID: id, Status: status, Message: msg}
	f.mu.Lock()
	f.statuses = append(f.statuses, r)
	f.mu.Unlock()
	f.statusCh <- r
	return nil
}

func (f *fakeStore) ReportChunk(ctx context.Context, chunk database.Chunk) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkCalls++
	if f.chunkErr != nil {
		return "", f.chunkErr
	}
	f.nextID++
	chunk.ID = fmt.Sprintf("chunk-%d", f.nextID)
	f.chunks = append(f.chunks, chunk)
	return chunk.ID, nil
}

func (f *fakeStore) reportedChunks() []database.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]database.Chunk(nil), f.chunks...)
}

func (f *fakeStore) reportedStatuses() []statusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusReport(nil), f.statuses...)
}

func (f *fakeStore) waitStatus(t *testing.T) statusReport {
	t.Helper()
	select {
	case r := <-f.statusCh:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for status report")
		return statusReport{}
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []database.Chunk
	sizes     []int
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, chunk database.Chunk, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, chunk)
	p.sizes = append(p.sizes, len(data))
	return p.err
}

// fakeCapture yields solid frames. A negative total makes it infinite; a
// non-nil tokens channel gates every read on one token.
type fakeCapture struct {
	total   int
	tokens  chan struct{}
	fail    error
	panicOn int32

	read   int
	reads  atomic.Int32
	closed atomic.Bool
}

func (f *fakeCapture) HasNext() bool { return f.total < 0 || f.read < f.total }

func (f *fakeCapture) ReadFrame(ctx context.Context) (image.Image, error) {
	n := f.reads.Add(1)
	if f.panicOn > 0 && n == f.panicOn {
		panic("decoder crashed")
	}
	if f.fail != nil {
		return nil, f.fail
	}
	if f.tokens != nil {
		select {
		case <-f.tokens:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", capture.ErrReadFailed, ctx.Err())
		}
	}
	f.read++
	return solidFrame(64, 48, color.RGBA{B: 255, A: 255}), nil
}

func (f *fakeCapture) Close() error {
	f.closed.Store(true)
	return nil
}

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func testOptions(dir string) Options {
	return Options{
		ChunksDir:            dir,
		Frame:                FrameOptions{Width: 32, Height: 24, DrawTimestamp: true},
		DefaultFPS:           1,
		DefaultChunkDuration: 60,
		Format:               chunks.FormatMJPEG,
		MaxRetries:           3,
		RetryInterval:        time.Millisecond,
		CaptureTimeout:       time.Second,
		ReportTimeout:        time.Second,
	}
}

// newTestScheduler builds a scheduler that never sleeps for pacing and opens
// captures through open when it is non-nil.
func newTestScheduler(t *testing.T, store database.MetadataStore, pub Publisher, open func(context.Context, string, capture.Options) (capture.Capture, error)) *Scheduler {
	t.Helper()
	s := NewScheduler(store, pub, testOptions(t.TempDir()))
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	if open != nil {
		s.openCapture = open
	}
	return s
}

func openFake(c *fakeCapture) func(context.Context, string, capture.Options) (capture.Capture, error) {
	return func(context.Context, string, capture.Options) (capture.Capture, error) {
		return c, nil
	}
}

var errOpen = errors.New("camera unreachable")
