package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"
)

// fileCapture decodes a finite video through an ffmpeg rawvideo pipe and
// samples it down to the target rate by discarding skipped frames.
type fileCapture struct {
	info       ProbeInfo
	skip       int
	framesRead int
	exhausted  bool

	reader io.Reader
	buf    []byte

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openFile(ctx context.Context, rawURL string, opts Options) (*fileCapture, error) {
	probeCtx, cancelProbe := context.WithTimeout(ctx, 30*opts.Timeout)
	info, err := Probe(probeCtx, opts.FFprobePath, rawURL)
	cancelProbe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(decodeCtx, opts.FFmpegPath,
		"-v", "error",
		"-nostdin",
		"-i", rawURL,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrOpenFailed, err)
	}

	c := newFileCapture(bufio.NewReaderSize(stdout, 1<<20), info, opts.TargetFPS)
	c.cmd = cmd
	c.cancel = cancel
	return c, nil
}

// newFileCapture builds a capture over an rgb24 rawvideo stream.
func newFileCapture(r io.Reader, info ProbeInfo, targetFPS float64) *fileCapture {
	return &fileCapture{
		info:   info,
		skip:   SkipFactor(info.FPS, targetFPS),
		reader: r,
		buf:    make([]byte, info.Width*info.Height*3),
	}
}

func (c *fileCapture) HasNext() bool {
	return !c.exhausted && c.framesRead < c.info.Frames
}

func (c *fileCapture) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	if !c.HasNext() {
		return nil, ErrEndOfInput
	}

	if _, err := io.ReadFull(c.reader, c.buf); err != nil {
		if errors.Is(err, io.EOF) {
			c.exhausted = true
			return nil, ErrEndOfInput
		}
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	c.framesRead += 1 + c.skip

	if c.skip > 0 && c.framesRead < c.info.Frames {
		discard := int64(c.skip) * int64(len(c.buf))
		if _, err := io.CopyN(io.Discard, c.reader, discard); err != nil {
			// Short tail: the kept frame is still valid.
			c.exhausted = true
		}
	}

	return rgbToImage(c.buf, c.info.Width, c.info.Height), nil
}

func (c *fileCapture) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.cmd != nil {
			// Killed by cancel; the exit status carries no information.
			_ = c.cmd.Wait()
		}
	})
	return nil
}

func rgbToImage(buf []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
