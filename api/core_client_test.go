package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svr-ingest/database"
)

func TestCoreClient_ListActiveSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sources/get/all", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("status"))
		assert.Equal(t, "1", r.Header.Get("X-Is-Internal"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[
			{"id": 7, "name": "gate", "url": "http://cam/7", "status_code": 0, "status_msg": ""},
			{"id": 9, "name": "yard", "url": "/data/yard.mp4", "status_code": 0, "target_fps": 5, "chunk_duration": 30}
		]`)
	}))
	defer srv.Close()

	c := NewCoreClient(srv.URL+"/", "secret", time.Second)
	sources, err := c.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, database.Source{ID: "7", URL: "http://cam/7"}, sources[0])
	assert.Equal(t, database.Source{ID: "9", URL: "/data/yard.mp4", TargetFPS: 5, ChunkDuration: 30}, sources[1])
}

func TestCoreClient_ReportStatus(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCoreClient(srv.URL, "", time.Second)
	require.NoError(t, c.ReportStatus(context.Background(), "7", database.StatusError, "retries exhausted"))
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/sources/update_status", got.URL.Path)
	assert.Equal(t, "7", got.URL.Query().Get("id"))
	assert.Equal(t, "3", got.URL.Query().Get("status"))
	assert.Equal(t, "retries exhausted", got.URL.Query().Get("status_msg"))
	assert.Equal(t, "Bearer source_manager", got.Header.Get("Authorization"))
}

func TestCoreClient_ReportChunk(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/videos/chunks/create", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"id": 42, "source_id": 7}`)
	}))
	defer srv.Close()

	start := time.Unix(1700000000, 500_000_000)
	c := NewCoreClient(srv.URL, "t", time.Second)
	id, err := c.ReportChunk(context.Background(), database.Chunk{
		SourceID:   "7",
		FilePath:   "/chunks/7/0.mp4",
		StartTime:  start,
		EndTime:    start.Add(time.Minute),
		FrameCount: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, "7", body["source_id"])
	assert.Equal(t, "/chunks/7/0.mp4", body["file_path"])
	assert.InDelta(t, 1700000000.5, body["start_time"], 1e-3)
	assert.InDelta(t, 1700000060.5, body["end_time"], 1e-3)
	assert.Equal(t, float64(60), body["farme_count"])
}

func TestCoreClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "source not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCoreClient(srv.URL, "t", time.Second)
	err := c.ReportStatus(context.Background(), "1", database.StatusPaused, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "source not found")

	_, err = c.ListActiveSources(context.Background())
	require.Error(t, err)
}

func TestCoreClient_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	_, err := NewCoreClient(srv.URL, "t", time.Second).ReportChunk(context.Background(), database.Chunk{SourceID: "1"})
	require.Error(t, err)
}

func TestCoreClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCoreClient(srv.URL, "t", time.Second).ListActiveSources(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
