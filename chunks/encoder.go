package chunks

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Format selects the chunk container.
type Format string

const (
	// FormatMP4 is H.264 in fragmented MP4, encoded by ffmpeg.
	FormatMP4 Format = "mp4"
	// FormatMJPEG is a raw concatenation of JPEG frames.
	FormatMJPEG Format = "mjpeg"
)

// Extension returns the file extension used for the format.
func (f Format) Extension() string {
	switch f {
	case FormatMJPEG:
		return "mjpeg"
	default:
		return "mp4"
	}
}

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatMP4, FormatMJPEG:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown chunk format %q", s)
	}
}

type frameEncoder interface {
	encode(img image.Image) error
	// finish flushes the encoder so the output is complete.
	finish() error
	// abort stops the encoder without producing valid output.
	abort()
}

func newEncoder(out *os.File, opts Options) (frameEncoder, error) {
	switch opts.Format {
	case FormatMJPEG:
		return newMJPEGEncoder(out, opts.Quality), nil
	case FormatMP4:
		return newFFmpegEncoder(out, opts)
	default:
		return nil, fmt.Errorf("unknown chunk format %q", opts.Format)
	}
}

type mjpegEncoder struct {
	w       *bufio.Writer
	quality int
}

func newMJPEGEncoder(out io.Writer, quality int) *mjpegEncoder {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &mjpegEncoder{w: bufio.NewWriter(out), quality: quality}
}

func (e *mjpegEncoder) encode(img image.Image) error {
	return jpeg.Encode(e.w, img, &jpeg.Options{Quality: e.quality})
}

func (e *mjpegEncoder) finish() error { return e.w.Flush() }

func (e *mjpegEncoder) abort() {}

// ffmpegEncoder pipes rgb24 frames into ffmpeg, which writes fragmented MP4
// straight into the pending chunk file.
type ffmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	buf    []byte
	done   bool
}

func newFFmpegEncoder(out *os.File, opts Options) (*ffmpegEncoder, error) {
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	size := fmt.Sprintf("%dx%d", opts.Size.X, opts.Size.Y)

	cmd := exec.Command(ffmpegPath,
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", size,
		"-r", strconv.FormatFloat(opts.FPS, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	)
	stderr := &bytes.Buffer{}
	cmd.Stdout = out
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &ffmpegEncoder{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		buf:    make([]byte, opts.Size.X*opts.Size.Y*3),
	}, nil
}

func (e *ffmpegEncoder) encode(img image.Image) error {
	toRGB24(img, e.buf)
	if _, err := e.stdin.Write(e.buf); err != nil {
		// stderr is only safe to read once Wait has returned.
		e.abort()
		return fmt.Errorf("write frame to ffmpeg: %w (%s)", err, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}

func (e *ffmpegEncoder) finish() error {
	if e.done {
		return nil
	}
	e.done = true
	if err := e.stdin.Close(); err != nil {
		return err
	}
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w (%s)", err, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}

func (e *ffmpegEncoder) abort() {
	if e.done {
		return
	}
	e.done = true
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
}

// toRGB24 packs img into buf as tightly packed rgb24.
func toRGB24(img image.Image, buf []byte) {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == b.Dx()*4 {
		for i, j := 0, 0; j+2 < len(buf) && i+3 < len(rgba.Pix); i, j = i+4, j+3 {
			buf[j] = rgba.Pix[i]
			buf[j+1] = rgba.Pix[i+1]
			buf[j+2] = rgba.Pix[i+2]
		}
		return
	}
	j := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			buf[j] = uint8(r >> 8)
			buf[j+1] = uint8(g >> 8)
			buf[j+2] = uint8(bl >> 8)
			j += 3
		}
	}
}
