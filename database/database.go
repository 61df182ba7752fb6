package database

import (
	"context"
	"time"
)

// Status is the lifecycle status of a source as known to the system of record.
// Numeric values are the wire codes used by the core API.
type Status int

const (
	StatusActive   Status = 0 // Source should be ingested
	StatusPaused   Status = 1 // Stopped by an operator
	StatusFinished Status = 2 // Finite source reached its end
	StatusError    Status = 3 // Ingestion stopped on an unrecoverable error
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Source describes one video source to ingest.
type Source struct {
	ID            string  `json:"id"`             // Opaque identifier supplied by the caller
	URL           string  `json:"url"`            // Stream, file or image location
	TargetFPS     float64 `json:"target_fps"`     // Capture rate; 0 uses the configured default
	ChunkDuration float64 `json:"chunk_duration"` // Seconds per chunk; 0 uses the configured default
}

// SourceRecord is a source as stored locally together with its last status.
type SourceRecord struct {
	Source
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chunk is the metadata of one committed chunk artifact.
type Chunk struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	FilePath   string    `json:"file_path"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	FrameCount int       `json:"frame_count"`
}

// MetadataStore is the system of record the ingestion scheduler reports to.
type MetadataStore interface {
	// ListActiveSources returns every source whose status is StatusActive.
	ListActiveSources(ctx context.Context) ([]Source, error)
	// ReportStatus records a status transition for a source.
	ReportStatus(ctx context.Context, sourceID string, status Status, message string) error
	// ReportChunk records a committed chunk and returns the id assigned to it.
	ReportChunk(ctx context.Context, chunk Chunk) (string, error)
}
