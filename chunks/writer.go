// Package chunks encodes bounded frame sequences into chunk files that only
// become visible under their final name once committed.
package chunks

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

var (
	// ErrWriterOpenFailed is returned when the chunk file or encoder can not be created.
	ErrWriterOpenFailed = errors.New("chunk writer open failed")
	// ErrWriteFailed wraps frame encoding and commit failures.
	ErrWriteFailed = errors.New("chunk write failed")

	errWriterPanicked = errors.New("chunk writer block panicked")
)

// Options describe the encoded output of a chunk.
type Options struct {
	Size       image.Point // Frame width and height
	FPS        float64     // Playback rate recorded in the container
	Format     Format
	FFmpegPath string // Used by FormatMP4
	Quality    int    // JPEG quality for FormatMJPEG, 1-100
}

// Outcome is the result of closing a writer.
type Outcome struct {
	Path       string
	FrameCount int
	StartTime  time.Time
	EndTime    time.Time
	Committed  bool
}

// Writer appends frames to a single chunk file. A Writer is not safe for
// concurrent use.
type Writer struct {
	path    string
	opts    Options
	pending *renameio.PendingFile
	enc     frameEncoder

	frames int
	start  time.Time

	closed  bool
	outcome Outcome
}

// Open creates a pending chunk file for path and starts its encoder.
func Open(path string, opts Options) (*Writer, error) {
	if opts.Size.X <= 0 || opts.Size.Y <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %v", ErrWriterOpenFailed, opts.Size)
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("%w: invalid fps %v", ErrWriterOpenFailed, opts.FPS)
	}
	if opts.Format == "" {
		opts.Format = FormatMP4
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriterOpenFailed, err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriterOpenFailed, err)
	}

	enc, err := newEncoder(pending.File, opts)
	if err != nil {
		_ = pending.Cleanup()
		return nil, fmt.Errorf("%w: %w", ErrWriterOpenFailed, err)
	}

	return &Writer{
		path:    path,
		opts:    opts,
		pending: pending,
		enc:     enc,
		start:   time.Now(),
	}, nil
}

// Path returns the final path of the chunk.
func (w *Writer) Path() string { return w.path }

// FrameCount returns the number of frames written so far.
func (w *Writer) FrameCount() int { return w.frames }

// Write encodes one frame. Frames must match the configured size.
func (w *Writer) Write(frame image.Image) error {
	if w.closed {
		return fmt.Errorf("%w: writer closed", ErrWriteFailed)
	}
	if got := frame.Bounds().Size(); got != w.opts.Size {
		return fmt.Errorf("%w: frame size %v, want %v", ErrWriteFailed, got, w.opts.Size)
	}
	if err := w.enc.encode(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	w.frames++
	return nil
}

// Close finishes the chunk. With failed == nil and at least one frame the
// file is committed under its final name; otherwise it is removed. Close is
// idempotent and returns the first outcome on repeat calls.
func (w *Writer) Close(failed error) (Outcome, error) {
	if w.closed {
		return w.outcome, nil
	}
	w.closed = true
	w.outcome = Outcome{
		Path:       w.path,
		FrameCount: w.frames,
		StartTime:  w.start,
		EndTime:    time.Now(),
	}

	if failed != nil || w.frames == 0 {
		w.enc.abort()
		if err := w.pending.Cleanup(); err != nil {
			return w.outcome, fmt.Errorf("discard chunk %s: %w", w.path, err)
		}
		return w.outcome, nil
	}

	if err := w.enc.finish(); err != nil {
		_ = w.pending.Cleanup()
		return w.outcome, fmt.Errorf("%w: finish encoding %s: %w", ErrWriteFailed, w.path, err)
	}
	if err := w.pending.CloseAtomicallyReplace(); err != nil {
		_ = w.pending.Cleanup()
		return w.outcome, fmt.Errorf("%w: commit %s: %w", ErrWriteFailed, w.path, err)
	}
	w.outcome.Committed = true
	return w.outcome, nil
}

// Record opens a writer, runs fn and closes the writer on every exit path.
// The chunk is committed only when fn returns nil and wrote at least one
// frame. A panic in fn discards the chunk and is re-raised.
func Record(path string, opts Options, fn func(*Writer) error) (out Outcome, err error) {
	w, err := Open(path, opts)
	if err != nil {
		return Outcome{}, err
	}

	completed := false
	defer func() {
		if !completed {
			_, _ = w.Close(errWriterPanicked)
		}
	}()

	fnErr := fn(w)
	completed = true

	out, err = w.Close(fnErr)
	if fnErr != nil {
		return out, fnErr
	}
	return out, err
}
