package publisher

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"

	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/metrics"
)

// Number of attempts for one chunk upload
const maxUploadAttempts = 3

// R2Config holds configuration for Cloudflare R2 storage
type R2Config struct {
	AccessKey string
	SecretKey string
	AccountID string
	Bucket    string
	Endpoint  string
	Region    string
	BaseURL   string // Public URL prefix for uploaded objects
	Prefix    string // Key prefix for chunks
}

// R2Publisher uploads chunk files to an R2 (S3 compatible) bucket.
type R2Publisher struct {
	config   R2Config
	uploader *s3manager.Uploader
	logger   zerolog.Logger
	backoff  time.Duration
}

// NewR2Publisher creates an uploader for the configured bucket.
func NewR2Publisher(config R2Config) (*R2Publisher, error) {
	if config.Region == "" {
		config.Region = "auto"
	}
	if config.Endpoint == "" && config.AccountID != "" {
		config.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", config.AccountID)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("r2 bucket is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:    aws.String(config.Endpoint),
		Region:      aws.String(config.Region),
		// Path style addressing for S3 API compatibility
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Chunks are small; one connection per upload keeps bandwidth predictable.
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &R2Publisher{
		config:   config,
		uploader: uploader,
		logger:   logging.WithComponent("publisher").With().Str("publisher", "r2").Logger(),
		backoff:  time.Second,
	}, nil
}

// Key returns the object key of a chunk: <prefix>/<source id>/<file name>.
func (r *R2Publisher) Key(chunk database.Chunk) string {
	return path.Join(r.config.Prefix, chunk.SourceID, filepath.Base(chunk.FilePath))
}

// PublicURL returns the public URL of an object key.
func (r *R2Publisher) PublicURL(key string) string {
	base := r.config.BaseURL
	if base == "" {
		base = fmt.Sprintf("%s/%s", strings.TrimRight(r.config.Endpoint, "/"), r.config.Bucket)
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), key)
}

// Publish uploads the chunk with its metadata, retrying with exponential backoff.
func (r *R2Publisher) Publish(ctx context.Context, chunk database.Chunk, data []byte) error {
	start := time.Now()
	key := r.Key(chunk)

	metadata := make(map[string]*string)
	for k, v := range Headers(chunk) {
		metadata[k] = aws.String(v)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		_, lastErr = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(r.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType(chunk.FilePath)),
			Metadata:    metadata,
		})
		if lastErr == nil || attempt == maxUploadAttempts {
			break
		}

		r.logger.Warn().Err(lastErr).Int("attempt", attempt).Str("key", key).Msg("upload attempt failed")
		// Exponential backoff: 1x, 2x, ...
		timer := time.NewTimer(r.backoff << uint(attempt-1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.ObservePublish("r2", lastErr == nil, time.Since(start))
	if lastErr != nil {
		return fmt.Errorf("upload %s to R2 after %d attempts: %w", key, maxUploadAttempts, lastErr)
	}

	r.logger.Info().Str("url", r.PublicURL(key)).Int("bytes", len(data)).Msg("chunk uploaded")
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".mp4":
		return "video/mp4"
	case ".mjpeg", ".mjpg":
		return "video/x-motion-jpeg"
	default:
		return "application/octet-stream"
	}
}
