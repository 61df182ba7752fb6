// Package metrics exposes prometheus instruments for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesCaptured counts frames written into chunks, per source.
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_frames_captured_total",
		Help: "Frames read from a source and written into a chunk",
	}, []string{"source_id"})

	// ReadFailures counts single failed capture reads (before retry).
	ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_read_failures_total",
		Help: "Failed single-attempt frame reads",
	}, []string{"source_id"})

	// FramesBehindSchedule counts frames whose processing exceeded the frame interval.
	FramesBehindSchedule = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_frames_behind_schedule_total",
		Help: "Frames processed slower than the target capture rate",
	}, []string{"source_id"})

	// ChunksFinished counts closed chunks by outcome (committed, empty, discarded).
	ChunksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_chunks_total",
		Help: "Closed chunks by outcome",
	}, []string{"outcome"})

	// ChunkFrames observes frame counts of committed chunks.
	ChunkFrames = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_chunk_frames",
		Help:    "Frame count of committed chunks",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// UnitsFinished counts finished units of work by final status.
	UnitsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_units_finished_total",
		Help: "Finished per-source units of work by final status",
	}, []string{"status"})

	// ActiveWorkers is the number of running per-source units of work.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_workers",
		Help: "Running per-source units of work",
	})

	// PublishTotal counts publish attempts by publisher and result.
	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_publish_total",
		Help: "Chunk publish attempts by publisher and result",
	}, []string{"publisher", "result"})

	// PublishDuration tracks how long a publish took.
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_publish_duration_seconds",
		Help:    "Time taken to publish one chunk",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"publisher"})

	// ChunksDiskFreeBytes is the free space of the volume holding the chunks directory.
	ChunksDiskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_chunks_disk_free_bytes",
		Help: "Free bytes on the chunks volume",
	})
)

// ObservePublish records one publish outcome.
func ObservePublish(publisher string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	PublishTotal.WithLabelValues(publisher, result).Inc()
	PublishDuration.WithLabelValues(publisher).Observe(d.Seconds())
}

// ObserveChunk records a closed chunk.
func ObserveChunk(outcome string, frames int) {
	ChunksFinished.WithLabelValues(outcome).Inc()
	if outcome == "committed" {
		ChunkFrames.Observe(float64(frames))
	}
}
