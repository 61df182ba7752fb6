package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteDB_SourceLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertSource(ctx, Source{ID: "cam-1", URL: "http://cam/video.mjpg", TargetFPS: 1, ChunkDuration: 60}))
	require.NoError(t, db.UpsertSource(ctx, Source{ID: "cam-2", URL: "http://cam/still.jpg"}))

	active, err := db.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "cam-1", active[0].ID)
	assert.Equal(t, 60.0, active[0].ChunkDuration)

	require.NoError(t, db.ReportStatus(ctx, "cam-1", StatusPaused, "Stopped by user"))

	active, err = db.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "cam-2", active[0].ID)

	rec, err := db.GetSource(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, rec.Status)
	assert.Equal(t, "Stopped by user", rec.StatusMessage)

	// Re-adding reactivates the source.
	require.NoError(t, db.UpsertSource(ctx, Source{ID: "cam-1", URL: "http://cam/video.mjpg"}))
	rec, err = db.GetSource(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Empty(t, rec.StatusMessage)
}

func TestSQLiteDB_UnknownSource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetSource(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.ReportStatus(ctx, "missing", StatusError, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDB_Chunks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		id, err := db.ReportChunk(ctx, Chunk{
			SourceID:   "cam-1",
			FilePath:   filepath.Join("chunks", "cam-1", fmt.Sprintf("%d.mp4", i)),
			StartTime:  base.Add(time.Duration(i) * time.Minute),
			EndTime:    base.Add(time.Duration(i+1) * time.Minute),
			FrameCount: 60,
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids[id] = true
	}
	_, err := db.ReportChunk(ctx, Chunk{SourceID: "cam-2", FilePath: "x.mp4", StartTime: base, EndTime: base, FrameCount: 1})
	require.NoError(t, err)
	assert.Len(t, ids, 3, "chunk ids must be unique")

	chunks, err := db.ListChunks(ctx, "cam-1", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.True(t, ids[c.ID])
		assert.Equal(t, 60, c.FrameCount)
		assert.True(t, c.StartTime.Equal(base.Add(time.Duration(i)*time.Minute)))
	}

	all, err := db.ListChunks(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLiteDB_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := NewSQLiteDB(path)
	require.NoError(t, err)
	require.NoError(t, db.UpsertSource(ctx, Source{ID: "cam-1", URL: "a.mp4"}))
	require.NoError(t, db.Close())

	db, err = NewSQLiteDB(path)
	require.NoError(t, err)
	defer db.Close()

	active, err := db.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "active", StatusActive.String())
	assert.Equal(t, "paused", StatusPaused.String())
	assert.Equal(t, "finished", StatusFinished.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", Status(42).String())
}
