package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"svr-ingest/database"
	"svr-ingest/logging"
	"svr-ingest/metrics"
)

// RedisConfig holds the stream publisher connection settings.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Stream   string // Stream key chunks are appended to
	MaxLen   int64  // Approximate stream length cap; 0 disables trimming
}

// RedisPublisher appends every chunk to a Redis stream with its metadata
// fields and the encoded payload.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(config RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisPublisher(client, config), nil
}

func newRedisPublisher(client *redis.Client, config RedisConfig) *RedisPublisher {
	stream := config.Stream
	if stream == "" {
		stream = "video_chunks"
	}
	p := &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: config.MaxLen,
		logger: logging.WithComponent("publisher").With().Str("publisher", "redis").Logger(),
	}
	p.logger.Info().Str("addr", config.Addr).Str("stream", stream).Msg("connected to Redis stream")
	return p
}

func (p *RedisPublisher) Publish(ctx context.Context, chunk database.Chunk, data []byte) error {
	start := time.Now()

	values := make(map[string]any, 7)
	for k, v := range Headers(chunk) {
		values[k] = v
	}
	values["file_path"] = chunk.FilePath
	values["payload"] = data

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: values,
	}).Result()
	metrics.ObservePublish("redis", err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}

	p.logger.Debug().Str("source_id", chunk.SourceID).Str("entry", id).Msg("chunk appended to stream")
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
