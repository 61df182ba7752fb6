// Package publisher forwards committed chunks to object storage and message
// streams.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"svr-ingest/database"
	"svr-ingest/logging"
)

// Publisher forwards one committed chunk.
type Publisher interface {
	Publish(ctx context.Context, chunk database.Chunk, data []byte) error
}

// Headers returns the chunk fields attached to every published message.
func Headers(chunk database.Chunk) map[string]string {
	return map[string]string{
		"chunk_id":    chunk.ID,
		"source_id":   chunk.SourceID,
		"start_time":  chunk.StartTime.UTC().Format(time.RFC3339Nano),
		"end_time":    chunk.EndTime.UTC().Format(time.RFC3339Nano),
		"frame_count": strconv.Itoa(chunk.FrameCount),
	}
}

// Multi publishes every chunk to all of its publishers. A failing publisher
// does not stop the others.
type Multi struct {
	publishers []Publisher
}

// NewMulti returns a fan-out publisher, or nil when no publisher is given.
func NewMulti(publishers ...Publisher) *Multi {
	var ps []Publisher
	for _, p := range publishers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	if len(ps) == 0 {
		return nil
	}
	return &Multi{publishers: ps}
}

// Len returns the number of publishers.
func (m *Multi) Len() int { return len(m.publishers) }

func (m *Multi) Publish(ctx context.Context, chunk database.Chunk, data []byte) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, chunk, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logger := logging.WithComponent("publisher")
		logger.Warn().Str("source_id", chunk.SourceID).Int("failed", len(errs)).Msg("chunk publish partially failed")
		return fmt.Errorf("publish chunk %s: %w", chunk.FilePath, errors.Join(errs...))
	}
	return nil
}
