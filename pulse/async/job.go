// Package async provides the job lifecycle engine, the cancellation-aware
// worker pool and the notification outbox for segmentation and export jobs.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/segpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the non-terminal states a cancellation can move out of
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusQueued, JobStatusProcessing}

// transitions is the status DAG. Terminal states have no outgoing edges.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the status DAG
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status with an edge into to
func sourcesOf(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range ActiveStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// JobKind selects the handler that executes a job
type JobKind string

const (
	KindSegmentation JobKind = "segmentation"
	KindExport       JobKind = "export"
)

// IsValidKind returns true if the kind has a handler in this system
func IsValidKind(k string) bool {
	return JobKind(k) == KindSegmentation || JobKind(k) == KindExport
}

// Job is one unit of segmentation or export work.
//
// ArtifactRef is only set while Status is completed, ErrorInfo only while it
// is failed. Timestamps are set once and never cleared.
type Job struct {
	ID             string          `json:"id"`
	Kind           JobKind         `json:"kind"`
	OwnerID        string          `json:"owner_id"`
	ProjectID      string          `json:"project_id"`
	BatchID        string          `json:"batch_id,omitempty"`
	Status         JobStatus       `json:"status"`
	PreviousStatus JobStatus       `json:"previous_status,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ArtifactRef    string          `json:"artifact_ref,omitempty"`
	ErrorInfo      string          `json:"error_info,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
}

// NewJob builds a job ready for insertion. pending selects the pre-queue state
// used when a caller must finish uploading inputs before the job may run.
func NewJob(kind JobKind, ownerID, projectID, batchID string, payload json.RawMessage, priority int, pending bool) (*Job, error) {
	if !IsValidKind(string(kind)) {
		return nil, errors.Invalidf("unknown job kind %q", kind)
	}
	if ownerID == "" {
		return nil, errors.Invalidf("owner id cannot be empty")
	}
	if projectID == "" {
		return nil, errors.Invalidf("project id cannot be empty")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errors.Invalidf("payload is not valid JSON")
	}

	status := JobStatusQueued
	if pending {
		status = JobStatusPending
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		OwnerID:   ownerID,
		ProjectID: projectID,
		BatchID:   batchID,
		Status:    status,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Duration returns how long the job has been (or was) processing
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	switch {
	case j.CompletedAt != nil:
		end = *j.CompletedAt
	case j.CancelledAt != nil:
		end = *j.CancelledAt
	}
	return end.Sub(*j.StartedAt)
}
