// Command probe opens a source URL the way the ingest service does, reads one
// frame and writes it as a JPEG.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image/jpeg"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joho/godotenv"

	"svr-ingest/capture"
	"svr-ingest/config"
	"svr-ingest/logging"
	"svr-ingest/recording"
)

func main() {
	sourceURL := flag.String("url", "", "Source URL (MJPEG stream, video file or image)")
	out := flag.String("out", "frame.jpg", "Output JPEG path")
	prepare := flag.Bool("prepare", false, "Resize and timestamp the frame like a chunk frame")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	_ = godotenv.Load(*envFile)
	logging.Configure(logging.Config{Pretty: true})
	logger := logging.WithComponent("probe")

	if *sourceURL == "" {
		fmt.Fprintln(os.Stderr, "usage: probe -url <source> [-out frame.jpg] [-prepare]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	kind, err := capture.Classify(*sourceURL)
	if err != nil {
		logger.Fatal().Err(err).Str("url", *sourceURL).Msg("unsupported source")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if kind == capture.KindFile {
		info, err := capture.Probe(ctx, cfg.FFprobePath, *sourceURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("ffprobe failed")
		}
		logger.Info().
			Int("width", info.Width).
			Int("height", info.Height).
			Float64("fps", info.FPS).
			Int("frames", info.Frames).
			Msg("video file")
	}

	c, err := capture.Open(ctx, *sourceURL, capture.Options{
		TargetFPS:   cfg.ChunkFPS,
		Timeout:     cfg.CaptureTimeout,
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("kind", kind.String()).Msg("failed to open source")
	}
	defer c.Close()

	start := time.Now()
	img, err := c.ReadFrame(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read frame")
	}
	readTook := time.Since(start)

	if *prepare {
		img = recording.PrepareFrame(img, recording.FrameOptions{
			Width:         cfg.FrameWidth,
			Height:        cfg.FrameHeight,
			DrawTimestamp: cfg.DrawTimestamp,
		}, time.Now())
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		logger.Fatal().Err(err).Msg("failed to encode frame")
	}
	if err := renameio.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
		logger.Fatal().Err(err).Str("path", *out).Msg("failed to write frame")
	}

	b := img.Bounds()
	logger.Info().
		Str("kind", kind.String()).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Dur("read", readTook).
		Str("path", *out).
		Msg("frame written")
}
