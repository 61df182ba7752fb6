package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	maxPartHeaderLines = 64
	maxFrameBytes      = 16 << 20
)

// streamCapture reads one JPEG part of a multipart MJPEG stream per call.
// Every read opens a fresh connection so a stalled camera never wedges the
// next attempt.
type streamCapture struct {
	url  string
	opts Options
}

func openStream(rawURL string, opts Options) (*streamCapture, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !isHTTP(rawURL) || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid stream url %q", ErrOpenFailed, rawURL)
	}
	return &streamCapture{url: rawURL, opts: opts}, nil
}

func (s *streamCapture) HasNext() bool { return true }

func (s *streamCapture) ReadFrame(ctx context.Context) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrReadFailed, resp.StatusCode)
	}

	payload, err := readPart(bufio.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: decode jpeg: %w", ErrReadFailed, err)
	}
	return img, nil
}

func (s *streamCapture) Close() error { return nil }

// readPart skips the boundary line, reads part headers up to the blank line
// and returns exactly Content-Length bytes of payload.
func readPart(r *bufio.Reader) ([]byte, error) {
	length := -1
	for i := 0; ; i++ {
		if i >= maxPartHeaderLines {
			return nil, fmt.Errorf("no part payload within %d header lines", maxPartHeaderLines)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read part header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if length >= 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "--") {
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid content length %q", strings.TrimSpace(value))
		}
		if n > maxFrameBytes {
			return nil, fmt.Errorf("content length %d exceeds limit %d", n, maxFrameBytes)
		}
		length = n
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read part payload: %w", err)
	}
	return payload, nil
}
