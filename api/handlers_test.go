package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svr-ingest/database"
	"svr-ingest/recording"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeController struct {
	mu         sync.Mutex
	running    map[string]database.Source
	frames     map[string]image.Image
	addErr     error
	restartErr error
	restarts   int
}

func newFakeController() *fakeController {
	return &fakeController{
		running: map[string]database.Source{},
		frames:  map[string]image.Image{},
	}
}

func (f *fakeController) Add(src database.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.running[src.ID] = src
	return nil
}

func (f *fakeController) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
}

func (f *fakeController) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func (f *fakeController) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeController) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakeController) LatestFrame(id string) (image.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.frames[id]
	return img, ok
}

type fakeLocal struct {
	mu      sync.Mutex
	sources []database.Source
	chunks  map[string][]database.Chunk
	err     error
}

func (f *fakeLocal) UpsertSource(_ context.Context, src database.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sources = append(f.sources, src)
	return nil
}

func (f *fakeLocal) ListChunks(_ context.Context, sourceID string, limit int) ([]database.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	list := f.chunks[sourceID]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAddSource(t *testing.T) {
	ctrl := newFakeController()
	local := &fakeLocal{}
	h := NewServer("0", ctrl, local).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/sources", database.Source{ID: "cam-1", URL: "http://cam/stream"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cam-1", decodeBody(t, rec)["id"])
	assert.True(t, ctrl.IsRunning("cam-1"))
	require.Len(t, local.sources, 1)
	assert.Equal(t, "http://cam/stream", local.sources[0].URL)
}

func TestAddSource_Validation(t *testing.T) {
	h := NewServer("0", newFakeController(), nil).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/sources", map[string]string{"id": "cam-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sources", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAddSource_SchedulerErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"closed", recording.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{"invalid", recording.ErrInvalidSource, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.addErr = tc.err
			h := NewServer("0", ctrl, nil).Handler()
			rec := doRequest(t, h, http.MethodPost, "/api/sources", database.Source{ID: "a", URL: "b"})
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, decodeBody(t, rec), "error")
		})
	}
}

func TestAddSource_StoreFailure(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer("0", ctrl, &fakeLocal{err: errors.New("disk full")}).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/sources", database.Source{ID: "a", URL: "b"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, ctrl.IsRunning("a"))
}

func TestRemoveAndListSources(t *testing.T) {
	ctrl := newFakeController()
	require.NoError(t, ctrl.Add(database.Source{ID: "b", URL: "u"}))
	require.NoError(t, ctrl.Add(database.Source{ID: "a", URL: "u"}))
	h := NewServer("0", ctrl, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"a", "b"}, decodeBody(t, rec)["sources"])

	rec = doRequest(t, h, http.MethodDelete, "/api/sources/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])
	assert.False(t, ctrl.IsRunning("a"))

	rec = doRequest(t, h, http.MethodDelete, "/api/sources/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["removed"])
}

func TestRestart(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer("0", ctrl, nil).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/restart", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.restarts)

	ctrl.restartErr = errors.New("store down")
	rec = doRequest(t, h, http.MethodPost, "/api/restart", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLatestFrame(t *testing.T) {
	ctrl := newFakeController()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)
	ctrl.frames["cam-1"] = img
	h := NewServer("0", ctrl, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/sources/cam-1/frame", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	decoded, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 8), decoded.Bounds().Size())

	rec = doRequest(t, h, http.MethodGet, "/api/sources/missing/frame", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListChunks(t *testing.T) {
	local := &fakeLocal{chunks: map[string][]database.Chunk{
		"cam-1": {
			{ID: "c1", SourceID: "cam-1", FilePath: "/d/cam-1/0.mp4", FrameCount: 60},
			{ID: "c2", SourceID: "cam-1", FilePath: "/d/cam-1/1.mp4", FrameCount: 60},
		},
	}}
	h := NewServer("0", newFakeController(), local).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/chunks?source_id=cam-1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Chunks []database.Chunk `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, "c1", out.Chunks[0].ID)

	rec = doRequest(t, h, http.MethodGet, "/api/chunks?source_id=none", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeBody(t, rec)["chunks"])

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/chunks", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/chunks?source_id=cam-1&limit=x", nil).Code)
}

func TestListChunks_WithoutLocalStore(t *testing.T) {
	h := NewServer("0", newFakeController(), nil).Handler()
	rec := doRequest(t, h, http.MethodGet, "/api/chunks?source_id=cam-1", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	ctrl := newFakeController()
	require.NoError(t, ctrl.Add(database.Source{ID: "a", URL: "u"}))
	h := NewServer("0", ctrl, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["running"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doRequest(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = doRequest(t, h, http.MethodOptions, "/api/sources", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServerStartStops(t *testing.T) {
	s := NewServer("0", newFakeController(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
