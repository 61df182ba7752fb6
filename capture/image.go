package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const maxImageBytes = 32 << 20

// imageCapture re-fetches a single still image on every read.
type imageCapture struct {
	url       string
	localPath string
	opts      Options
}

func openImage(rawURL string, opts Options) (*imageCapture, error) {
	if isHTTP(rawURL) {
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid image url %q", ErrOpenFailed, rawURL)
		}
		return &imageCapture{url: rawURL, opts: opts}, nil
	}

	local := strings.TrimPrefix(rawURL, "file://")
	if _, err := os.Stat(local); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return &imageCapture{url: rawURL, localPath: local, opts: opts}, nil
}

func (c *imageCapture) HasNext() bool { return true }

func (c *imageCapture) ReadFrame(ctx context.Context) (image.Image, error) {
	data, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %w", ErrReadFailed, err)
	}
	return img, nil
}

func (c *imageCapture) fetch(ctx context.Context) ([]byte, error) {
	if c.localPath != "" {
		return os.ReadFile(c.localPath)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func (c *imageCapture) Close() error { return nil }
