package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"svr-ingest/database"
)

// CoreClient implements database.MetadataStore against the core API that
// owns sources and chunks.
type CoreClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewCoreClient creates a client for the core API at baseURL.
func NewCoreClient(baseURL, apiToken string, timeout time.Duration) *CoreClient {
	if apiToken == "" {
		apiToken = "source_manager"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoreClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type coreSource struct {
	ID            json.Number `json:"id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	StatusCode    int         `json:"status_code"`
	StatusMsg     string      `json:"status_msg"`
	TargetFPS     float64     `json:"target_fps"`
	ChunkDuration float64     `json:"chunk_duration"`
}

type coreChunkCreate struct {
	SourceID   string  `json:"source_id"`
	FilePath   string  `json:"file_path"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	FrameCount int     `json:"farme_count"` // key as spelled by the core API schema
}

type coreChunk struct {
	ID json.Number `json:"id"`
}

// ListActiveSources fetches sources with status ACTIVE.
func (c *CoreClient) ListActiveSources(ctx context.Context) ([]database.Source, error) {
	q := url.Values{}
	q.Set("status", strconv.Itoa(int(database.StatusActive)))

	var raw []coreSource
	if err := c.do(ctx, http.MethodGet, "/sources/get/all", q, nil, &raw); err != nil {
		return nil, err
	}

	sources := make([]database.Source, 0, len(raw))
	for _, s := range raw {
		sources = append(sources, database.Source{
			ID:            s.ID.String(),
			URL:           s.URL,
			TargetFPS:     s.TargetFPS,
			ChunkDuration: s.ChunkDuration,
		})
	}
	return sources, nil
}

// ReportStatus updates the status of a source.
func (c *CoreClient) ReportStatus(ctx context.Context, sourceID string, status database.Status, message string) error {
	q := url.Values{}
	q.Set("id", sourceID)
	q.Set("status", strconv.Itoa(int(status)))
	q.Set("status_msg", message)
	return c.do(ctx, http.MethodPut, "/sources/update_status", q, nil, nil)
}

// ReportChunk registers a committed chunk and returns the id assigned by the core API.
func (c *CoreClient) ReportChunk(ctx context.Context, chunk database.Chunk) (string, error) {
	body := coreChunkCreate{
		SourceID:   chunk.SourceID,
		FilePath:   chunk.FilePath,
		StartTime:  epochSeconds(chunk.StartTime),
		EndTime:    epochSeconds(chunk.EndTime),
		FrameCount: chunk.FrameCount,
	}
	var created coreChunk
	if err := c.do(ctx, http.MethodPost, "/videos/chunks/create", nil, body, &created); err != nil {
		return "", err
	}
	return created.ID.String(), nil
}

func (c *CoreClient) do(ctx context.Context, method, route string, query url.Values, in, out any) error {
	endpoint := c.baseURL + route
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Is-Internal", "1")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: core API returned %d: %s", method, route, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
