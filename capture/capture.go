// Package capture reads individual frames from video sources: live MJPEG
// streams, container video files and single image endpoints.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"svr-ingest/logging"
)

var (
	// ErrUnsupportedSourceKind is returned by Open when the URL extension is not recognised.
	ErrUnsupportedSourceKind = errors.New("unsupported source kind")
	// ErrOpenFailed is returned when the source endpoint can not be opened.
	ErrOpenFailed = errors.New("capture open failed")
	// ErrReadFailed wraps every single-attempt frame read failure.
	ErrReadFailed = errors.New("frame read failed")
	// ErrEndOfInput is returned by a finite capture that ran out of frames
	// before its advertised frame count.
	ErrEndOfInput = errors.New("end of input")
)

// Kind is the variant of capture selected for a URL.
type Kind int

const (
	KindUnknown Kind = iota
	KindStream
	KindFile
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindFile:
		return "file"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

var kindByExtension = map[string]Kind{
	"mjpg":  KindStream,
	"mjpeg": KindStream,
	"mp4":   KindFile,
	"avi":   KindFile,
	"mov":   KindFile,
	"mkv":   KindFile,
	"webm":  KindFile,
	"png":   KindImage,
	"jpg":   KindImage,
	"jpeg":  KindImage,
}

// Capture is an open frame source owned by a single goroutine.
type Capture interface {
	// HasNext reports whether another frame may be read. Only finite
	// captures ever return false.
	HasNext() bool
	// ReadFrame performs one read attempt. Failures wrap ErrReadFailed.
	ReadFrame(ctx context.Context) (image.Image, error)
	// Close releases the capture. It is safe to call more than once.
	Close() error
}

// Options tune how captures are opened.
type Options struct {
	TargetFPS   float64       // Desired frames per second; drives frame skipping for files
	Timeout     time.Duration // Per-read network timeout
	FFmpegPath  string
	FFprobePath string
	HTTPClient  *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}

// Classify returns the capture kind for a URL based on the lower-cased
// extension of its path. Query strings are ignored.
func Classify(rawURL string) (Kind, error) {
	p := strings.SplitN(rawURL, "?", 2)[0]
	// Only URLs carry fragments; a '#' in a local path is part of the name.
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Path != "" {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	kind, ok := kindByExtension[ext]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedSourceKind, rawURL)
	}
	return kind, nil
}

// Open classifies rawURL and opens the matching capture variant.
func Open(ctx context.Context, rawURL string, opts Options) (Capture, error) {
	kind, err := Classify(rawURL)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	logger := logging.WithComponent("capture")
	logger.Debug().Str("url", rawURL).Str("kind", kind.String()).Msg("opening capture")

	switch kind {
	case KindStream:
		return openStream(rawURL, opts)
	case KindFile:
		return openFile(ctx, rawURL, opts)
	default:
		return openImage(rawURL, opts)
	}
}

// SkipFactor is the number of native frames dropped after each kept frame so
// that a source at nativeFPS is sampled at roughly targetFPS.
func SkipFactor(nativeFPS, targetFPS float64) int {
	if nativeFPS <= 0 || targetFPS <= 0 {
		return 0
	}
	skip := int(nativeFPS/targetFPS+0.5) - 1
	if skip < 0 {
		return 0
	}
	return skip
}

func isHTTP(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
