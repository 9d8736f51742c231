// Package segmentation runs segmentation jobs against a remote inference service.
package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/pulse/budget"
	"github.com/teranos/segpulse/version"
)

// segmentPath is the inference endpoint relative to the base URL
const segmentPath = "/api/v1/segment"

// Request asks for the masks of one image
type Request struct {
	ImageID   string  `json:"image_id"`
	Model     string  `json:"model,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Polygon is one detected region
type Polygon struct {
	Label  string       `json:"label,omitempty"`
	Score  float64      `json:"score"`
	Points [][2]float64 `json:"points"`
}

// Result is the inference output for one image
type Result struct {
	ImageID  string    `json:"image_id"`
	Model    string    `json:"model,omitempty"`
	Polygons []Polygon `json:"polygons"`
}

// Segmenter produces polygons for an image
type Segmenter interface {
	Segment(ctx context.Context, req Request) (*Result, error)
}

// HTTPSegmenter calls the inference service over HTTP. Every request first
// takes a token from the limiter so workers share the service's capacity.
type HTTPSegmenter struct {
	baseURL    string
	httpClient *http.Client
	limiter    *budget.Limiter
}

// NewHTTPSegmenter creates a client from the segmentation config
func NewHTTPSegmenter(cfg am.SegmentationConfig) *HTTPSegmenter {
	return &HTTPSegmenter{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: budget.NewLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}
}

// Limiter exposes the request limiter so config reloads can retune it
func (s *HTTPSegmenter) Limiter() *budget.Limiter {
	return s.limiter
}

// Segment implements Segmenter
func (s *HTTPSegmenter) Segment(ctx context.Context, req Request) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal segment request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+segmentPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create segment request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "segment request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := errors.Newf("inference service returned status %d", resp.StatusCode)
		return nil, errors.WithDetail(err, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse segment response")
	}
	if result.ImageID == "" {
		result.ImageID = req.ImageID
	}
	return &result, nil
}
