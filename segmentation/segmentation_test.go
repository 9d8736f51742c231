package segmentation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/pulse/async"
)

func newInferenceServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/segment", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "segpulse/"), r.Header.Get("User-Agent"))

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte("model weights missing"))
			return
		}
		json.NewEncoder(w).Encode(Result{
			ImageID: req.ImageID,
			Model:   "sam-lite",
			Polygons: []Polygon{
				{Label: "cell", Score: 0.92, Points: [][2]float64{{0, 0}, {4, 0}, {4, 4}}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func segConfig(url string) am.SegmentationConfig {
	return am.SegmentationConfig{BaseURL: url + "/", TimeoutSeconds: 5, RequestsPerSecond: 0, Burst: 1}
}

func TestHTTPSegmenter(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, &calls, http.StatusOK)
	seg := NewHTTPSegmenter(segConfig(srv.URL))

	res, err := seg.Segment(context.Background(), Request{ImageID: "img-1", Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "img-1", res.ImageID)
	require.Len(t, res.Polygons, 1)
	assert.Equal(t, "cell", res.Polygons[0].Label)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSegmenterServiceError(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, &calls, http.StatusServiceUnavailable)
	seg := NewHTTPSegmenter(segConfig(srv.URL))

	_, err := seg.Segment(context.Background(), Request{ImageID: "img-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, errors.FlattenDetails(err), "model weights missing")
}

func TestHTTPSegmenterRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, &calls, http.StatusOK)
	cfg := segConfig(srv.URL)
	cfg.RequestsPerSecond = 0.001
	seg := NewHTTPSegmenter(cfg)

	_, err := seg.Segment(context.Background(), Request{ImageID: "img-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = seg.Segment(ctx, Request{ImageID: "img-2"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "throttled request never reaches the service")
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"image_ids":["a","b"],"threshold":0.4}`, false},
		{"empty", ``, true},
		{"malformed", `{"image_ids":`, true},
		{"no images", `{"image_ids":[]}`, true},
		{"blank image", `{"image_ids":[""]}`, true},
		{"threshold too high", `{"image_ids":["a"],"threshold":2}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, p.ImageIDs)
		})
	}
}

func runSteps(t *testing.T, h *Handler, job *async.Job) (*async.Run, error) {
	t.Helper()
	steps, err := h.Steps(job)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	run := &async.Run{Job: job}
	for _, step := range steps {
		if err := step.Run(context.Background(), run); err != nil {
			return run, err
		}
	}
	return run, nil
}

func TestHandlerWritesArtifact(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, &calls, http.StatusOK)
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := NewHandler(NewHTTPSegmenter(segConfig(srv.URL)), store, zap.NewNop().Sugar())

	job := &async.Job{ID: "job-1", Kind: async.KindSegmentation, Payload: json.RawMessage(`{"image_ids":["a","b","c"]}`)}
	run, err := runSteps(t, h, job)
	require.NoError(t, err)
	assert.Equal(t, "local://segmentation/job-1.json", run.ArtifactRef)
	assert.Equal(t, int32(3), calls.Load())

	rc, err := store.Open(context.Background(), run.ArtifactRef)
	require.NoError(t, err)
	defer rc.Close()
	var out Output
	require.NoError(t, json.NewDecoder(rc).Decode(&out))
	assert.Equal(t, "job-1", out.JobID)
	assert.Len(t, out.Results, 3)

	// Cleanup by job alone, as the engine does after cancellation
	require.NoError(t, h.Cleanup(context.Background(), &async.Run{Job: job}))
	ok, err := store.Exists(context.Background(), run.ArtifactRef)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, h.Cleanup(context.Background(), &async.Run{Job: job}))
}

func TestHandlerStopsOnInvalidPayload(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, &calls, http.StatusOK)
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := NewHandler(NewHTTPSegmenter(segConfig(srv.URL)), store, nil)

	job := &async.Job{ID: "job-2", Kind: async.KindSegmentation, Payload: json.RawMessage(`{"image_ids":[]}`)}
	_, err = runSteps(t, h, job)
	require.Error(t, err)
	assert.Equal(t, async.ErrorCodeValidationError, async.ClassifyError("validate", err).Code)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "segmentation", h.Name())
}
