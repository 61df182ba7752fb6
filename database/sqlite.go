package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"svr-ingest/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteDB implements MetadataStore on a local SQLite database.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at dbPath and applies pending migrations.
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Single writer; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger := logging.WithComponent("database")
	logger.Info().Str("path", dbPath).Msg("sqlite metadata store ready")

	return &SQLiteDB{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// UpsertSource inserts or replaces a source and marks it active.
func (s *SQLiteDB) UpsertSource(ctx context.Context, src Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, url, target_fps, chunk_duration, status, status_message, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			target_fps = excluded.target_fps,
			chunk_duration = excluded.chunk_duration,
			status = excluded.status,
			status_message = '',
			updated_at = excluded.updated_at
	`, src.ID, src.URL, src.TargetFPS, src.ChunkDuration, StatusActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

// GetSource returns a single source record.
func (s *SQLiteDB) GetSource(ctx context.Context, id string) (*SourceRecord, error) {
	var rec SourceRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, target_fps, chunk_duration, status, status_message, updated_at
		FROM sources WHERE id = ?
	`, id).Scan(&rec.ID, &rec.URL, &rec.TargetFPS, &rec.ChunkDuration, &rec.Status, &rec.StatusMessage, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	return &rec, nil
}

// ListActiveSources returns every source with StatusActive.
func (s *SQLiteDB) ListActiveSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, target_fps, chunk_duration
		FROM sources WHERE status = ? ORDER BY id
	`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.URL, &src.TargetFPS, &src.ChunkDuration); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ReportStatus updates the status of a known source.
func (s *SQLiteDB) ReportStatus(ctx context.Context, sourceID string, status Status, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET status = ?, status_message = ?, updated_at = ? WHERE id = ?
	`, status, message, time.Now().UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status of %s: %w", sourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

// ReportChunk stores a committed chunk and returns its generated id.
func (s *SQLiteDB) ReportChunk(ctx context.Context, chunk Chunk) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, source_id, file_path, start_time, end_time, frame_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, chunk.SourceID, chunk.FilePath, chunk.StartTime.UTC(), chunk.EndTime.UTC(), chunk.FrameCount)
	if err != nil {
		return "", fmt.Errorf("insert chunk for %s: %w", chunk.SourceID, err)
	}
	return id, nil
}

// ListChunks returns the chunks of a source ordered by start time. An empty
// sourceID lists chunks of all sources. limit <= 0 means no limit.
func (s *SQLiteDB) ListChunks(ctx context.Context, sourceID string, limit int) ([]Chunk, error) {
	query := `SELECT id, source_id, file_path, start_time, end_time, frame_count FROM chunks`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY start_time`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.FilePath, &c.StartTime, &c.EndTime, &c.FrameCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
