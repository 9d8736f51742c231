package async

import (
	"context"
	"time"
)

// EventType names a notification on the event stream
type EventType string

const (
	EventJobCancelled EventType = "jobCancelled"
	EventJobCompleted EventType = "jobCompleted"
	EventJobFailed    EventType = "jobFailed"
	EventStatsUpdated EventType = "statsUpdated"
)

// Room prefixes. A user room holds all of one user's connections, a project
// room holds connections that joined after an access check.
const (
	userRoomPrefix    = "user:"
	projectRoomPrefix = "project:"
)

// UserRoom returns the private room of a user
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ProjectRoom returns the shared room of a project
func ProjectRoom(projectID string) string { return projectRoomPrefix + projectID }

// Publisher delivers one event to every connection in the union of rooms,
// once per connection. Implementations may fail or panic; the outbox
// isolates both.
type Publisher interface {
	Publish(ctx context.Context, eventType EventType, payload interface{}, rooms ...string) error
}

// JobEventPayload is carried by jobCancelled, jobCompleted and jobFailed
type JobEventPayload struct {
	JobID          string    `json:"jobId"`
	Kind           JobKind   `json:"kind"`
	ProjectID      string    `json:"projectId"`
	BatchID        string    `json:"batchId,omitempty"`
	PreviousStatus JobStatus `json:"previousStatus"`
	Status         JobStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ErrorInfo      string    `json:"errorInfo,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatsPayload is carried by statsUpdated
type StatsPayload struct {
	ProjectID      string    `json:"projectId"`
	Queued         int       `json:"queued"`
	Processing     int       `json:"processing"`
	Total          int       `json:"total"`
	CancelledCount int       `json:"cancelledCount,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Event is an outbox entry. Job events go to the owner's room and the project
// room; stats events are resolved to a StatsPayload at dispatch time.
type Event struct {
	Type      EventType
	OwnerID   string
	ProjectID string
	Job       *JobEventPayload
	Cancelled int // statsUpdated only
	At        time.Time
}

func jobEvent(eventType EventType, ownerID string, payload JobEventPayload) Event {
	return Event{
		Type:      eventType,
		OwnerID:   ownerID,
		ProjectID: payload.ProjectID,
		Job:       &payload,
		At:        payload.Timestamp,
	}
}

func statsEvent(projectID string, cancelled int, at time.Time) Event {
	return Event{
		Type:      EventStatsUpdated,
		ProjectID: projectID,
		Cancelled: cancelled,
		At:        at,
	}
}
