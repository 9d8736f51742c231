package segmentation

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// Payload is the input of a segmentation job
type Payload struct {
	ImageIDs  []string `json:"image_ids"`
	Model     string   `json:"model,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
}

// Output is the artifact written by a segmentation job
type Output struct {
	JobID   string    `json:"job_id"`
	Results []*Result `json:"results"`
}

// Handler executes segmentation jobs in three steps: validate, infer, persist
type Handler struct {
	segmenter Segmenter
	store     artifact.Store
	logger    *zap.SugaredLogger
}

// NewHandler creates the segmentation handler
func NewHandler(segmenter Segmenter, store artifact.Store, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = logger.Logger
	}
	return &Handler{
		segmenter: segmenter,
		store:     store,
		logger:    log.Named("segmentation"),
	}
}

// Name implements async.JobHandler
func (h *Handler) Name() string {
	return string(async.KindSegmentation)
}

// Steps implements async.JobHandler
func (h *Handler) Steps(job *async.Job) ([]async.Step, error) {
	var payload Payload
	var results []*Result

	return []async.Step{
		{Name: "validate", Run: func(ctx context.Context, run *async.Run) error {
			p, err := DecodePayload(run.Job.Payload)
			if err != nil {
				return err
			}
			payload = p
			return nil
		}},
		{Name: "infer", Run: func(ctx context.Context, run *async.Run) error {
			results = make([]*Result, 0, len(payload.ImageIDs))
			for _, imageID := range payload.ImageIDs {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := h.segmenter.Segment(ctx, Request{
					ImageID:   imageID,
					Model:     payload.Model,
					Threshold: payload.Threshold,
				})
				if err != nil {
					return errors.Wrapf(err, "inference failed for image %s", imageID)
				}
				results = append(results, res)
			}
			h.logger.Debugw("Inference finished",
				logger.FieldJobID, run.Job.ID,
				"images", len(results))
			return nil
		}},
		{Name: "persist", Run: func(ctx context.Context, run *async.Run) error {
			data, err := json.Marshal(Output{JobID: run.Job.ID, Results: results})
			if err != nil {
				return errors.Wrap(err, "failed to encode segmentation output")
			}
			ref, err := h.store.Put(ctx, artifact.SegmentationKey(run.Job.ID),
				bytes.NewReader(data), int64(len(data)), "application/json")
			if err != nil {
				return err
			}
			run.ArtifactRef = ref
			return nil
		}},
	}, nil
}

// Cleanup deletes any written output. Safe for jobs that never reached persist.
func (h *Handler) Cleanup(ctx context.Context, run *async.Run) error {
	ref := run.ArtifactRef
	if ref == "" {
		ref = h.store.Ref(artifact.SegmentationKey(run.Job.ID))
	}
	if err := h.store.Delete(ctx, ref); err != nil {
		return errors.Wrapf(err, "failed to remove segmentation output for job %s", run.Job.ID)
	}
	return nil
}

// DecodePayload parses and checks a segmentation payload
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, errors.Invalidf("segmentation payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Mark(errors.Wrap(err, "failed to parse segmentation payload"), errors.ErrInvalidRequest)
	}
	if len(p.ImageIDs) == 0 {
		return p, errors.Invalidf("segmentation payload has no image ids")
	}
	for _, id := range p.ImageIDs {
		if id == "" {
			return p, errors.Invalidf("image id cannot be empty")
		}
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return p, errors.Invalidf("threshold must be within [0, 1], got %g", p.Threshold)
	}
	return p, nil
}
