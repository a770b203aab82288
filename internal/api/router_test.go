package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hybridgroup/mjpeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/reid/internal/api/handlers"
	"github.com/your-org/reid/internal/api/ws"
	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/live"
	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/video"
	"github.com/your-org/reid/pkg/dto"
)

type fakeCameras struct {
	mu      sync.Mutex
	running map[string]string
	resets  int
}

func (f *fakeCameras) Start(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; ok {
		return fmt.Errorf("camera %s: %w", id, live.ErrCameraRunning)
	}
	f.running[id] = url
	return nil
}

func (f *fakeCameras) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("camera %s: %w", id, live.ErrCameraNotFound)
	}
	delete(f.running, id)
	return nil
}

func (f *fakeCameras) Cameras(context.Context) []live.CameraInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []live.CameraInfo
	for id, url := range f.running {
		out = append(out, live.CameraInfo{ID: id, URL: url, CurrentCount: 2})
	}
	return out
}

func (f *fakeCameras) Stream(id string) (*mjpeg.Stream, error) {
	return nil, fmt.Errorf("camera %s: %w", id, live.ErrCameraNotFound)
}

func (f *fakeCameras) Persons(_ context.Context, id string) ([]live.TrackedPerson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return nil, fmt.Errorf("camera %s: %w", id, live.ErrCameraNotFound)
	}
	return []live.TrackedPerson{{Identity: "a", TrackID: 1, Confidence: 0.9, Confirmed: true}}, nil
}

func (f *fakeCameras) ActiveCount() int { return len(f.running) }
func (f *fakeCameras) UniqueCount() int { return 7 }
func (f *fakeCameras) ResetAllIdentities(context.Context) {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

type fakeIdentities struct{}

func (fakeIdentities) Stats() identity.Stats {
	return identity.Stats{Total: 4, Confirmed: 3, Pending: 1}
}
func (fakeIdentities) TodayCount(context.Context) int { return 11 }
func (fakeIdentities) Get(id string) (identity.Info, bool) {
	if id != "known" {
		return identity.Info{}, false
	}
	return identity.Info{ID: id, Confirmed: true, Cameras: []string{"cam-1"}}, true
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []string
	statuses  map[string]video.Status
	summaries map[string]models.JobResult
}

func (f *fakeJobs) Submit(_ context.Context, fileRef string, _ int, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, fileRef)
	return "job-new", nil
}

func (f *fakeJobs) GetStatus(id string) (video.Status, error) {
	st, ok := f.statuses[id]
	if !ok {
		return video.Status{}, video.ErrJobNotFound
	}
	return st, nil
}

func (f *fakeJobs) GetSummary(id string) (models.JobResult, error) {
	if _, ok := f.statuses[id]; !ok {
		return models.JobResult{}, video.ErrJobNotFound
	}
	res, ok := f.summaries[id]
	if !ok {
		return models.JobResult{}, video.ErrNotCompleted
	}
	return res, nil
}

func (f *fakeJobs) Cancel(id string) (bool, error) {
	st, ok := f.statuses[id]
	if !ok {
		return false, video.ErrJobNotFound
	}
	return !st.State.Terminal(), nil
}

func (f *fakeJobs) ListJobs() []video.Status {
	out := make([]video.Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

func (f *fakeJobs) Cleanup(_ context.Context, id string) error {
	st, ok := f.statuses[id]
	if !ok {
		return video.ErrJobNotFound
	}
	if !st.State.Terminal() {
		return video.ErrJobActive
	}
	delete(f.statuses, id)
	return nil
}

type fixture struct {
	srv     http.Handler
	cameras *fakeCameras
	jobs    *fakeJobs
	upload  string
}

func newFixture(t *testing.T, apiKey string, checks map[string]handlers.Check) *fixture {
	t.Helper()
	f := &fixture{
		cameras: &fakeCameras{running: map[string]string{}},
		jobs: &fakeJobs{
			statuses: map[string]video.Status{
				"done":    {ID: "done", State: video.StateCompleted},
				"running": {ID: "running", State: video.StateProcessing},
			},
			summaries: map[string]models.JobResult{
				"done": {JobID: "done", UniquePersons: 2},
			},
		},
		upload: t.TempDir(),
	}
	f.srv = NewRouter(RouterConfig{
		APIKey:     apiKey,
		UploadDir:  f.upload,
		Cameras:    f.cameras,
		Identities: fakeIdentities{},
		Jobs:       f.jobs,
		Checks:     checks,
		Hub:        ws.NewHub(),
	})
	return f
}

func (f *fixture) do(method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil && header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "", nil)
	w := f.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	f := newFixture(t, "", map[string]handlers.Check{
		"postgres": func(context.Context) error { return nil },
		"nats":     func(context.Context) error { return errors.New("nats not connected") },
	})
	w := f.do(http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "nats not connected", body.Checks["nats"])
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, "secret", nil)

	w := f.do(http.MethodGet, "/v1/cameras", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/v1/cameras", nil, http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/v1/cameras", nil, http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCameraLifecycle(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(http.MethodPost, "/v1/cameras", []byte(`{"camera_id":"cam-1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := []byte(`{"camera_id":"cam-1","url":"rtsp://example/1"}`)
	w = f.do(http.MethodPost, "/v1/cameras", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodPost, "/v1/cameras", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/v1/cameras", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list dto.CameraListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Cameras, 1)
	assert.Equal(t, "cam-1", list.Cameras[0].ID)
	assert.Equal(t, "/v1/cameras/cam-1/stream", list.Cameras[0].StreamURL)

	w = f.do(http.MethodGet, "/v1/cameras/cam-1/persons", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var persons dto.CameraPersonsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &persons))
	assert.Equal(t, 1, persons.Count)

	w = f.do(http.MethodDelete, "/v1/cameras/cam-1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, "/v1/cameras/cam-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/v1/cameras/cam-1/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdentityEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(http.MethodGet, "/v1/identities/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats dto.IdentityStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Confirmed)
	assert.Equal(t, 11, stats.Today)
	assert.Equal(t, 7, stats.Unique)

	w = f.do(http.MethodGet, "/v1/identities/known", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/v1/identities/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/v1/identities/reset", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.cameras.resets)
}

func TestVideoUpload(t *testing.T) {
	f := newFixture(t, "", nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.MP4")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a video"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("frame_skip", "3"))
	require.NoError(t, mw.WriteField("extract_features", "true"))
	require.NoError(t, mw.Close())

	w := f.do(http.MethodPost, "/v1/videos", buf.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp dto.SubmitVideoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-new", resp.JobID)

	require.Len(t, f.jobs.submitted, 1)
	assert.Equal(t, f.upload, filepath.Dir(f.jobs.submitted[0]))
	assert.True(t, strings.HasSuffix(f.jobs.submitted[0], ".mp4"))
}

func TestVideoUploadValidation(t *testing.T) {
	f := newFixture(t, "", nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("frame_skip", "0"))
	require.NoError(t, mw.Close())
	w := f.do(http.MethodPost, "/v1/videos", buf.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.jobs.submitted)
}

func TestVideoJobEndpoints(t *testing.T) {
	f := newFixture(t, "", nil)

	w := f.do(http.MethodGet, "/v1/videos/done/summary", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/v1/videos/running/summary", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/v1/videos/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/v1/videos/running/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancel dto.CancelVideoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancel))
	assert.True(t, cancel.Cancelled)

	w = f.do(http.MethodDelete, "/v1/videos/running", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodDelete, "/v1/videos/done", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/v1/videos/done", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/v1/videos/done/thumbnails/a", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
