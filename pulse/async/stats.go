package async

import (
	"context"
)

// Stats summarises the non-terminal jobs of a project
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Total      int `json:"total"` // pending + queued + processing
}

// QueueStats is the full per-status breakdown used by the CLI
type QueueStats struct {
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// StatsAggregator is a read-only view over the job store
type StatsAggregator struct {
	store *Store
}

// NewStatsAggregator creates a StatsAggregator
func NewStatsAggregator(store *Store) *StatsAggregator {
	return &StatsAggregator{store: store}
}

// ComputeStats counts active jobs in a project. An empty ownerID counts every
// owner; an empty projectID counts every project.
func (a *StatsAggregator) ComputeStats(ctx context.Context, projectID, ownerID string) (Stats, error) {
	counts, err := a.store.CountByStatus(ctx, projectID, ownerID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Queued:     counts[JobStatusQueued],
		Processing: counts[JobStatusProcessing],
		Total:      counts[JobStatusPending] + counts[JobStatusQueued] + counts[JobStatusProcessing],
	}, nil
}

// ComputeQueueStats returns every status count for a project
func (a *StatsAggregator) ComputeQueueStats(ctx context.Context, projectID, ownerID string) (QueueStats, error) {
	counts, err := a.store.CountByStatus(ctx, projectID, ownerID)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Pending:    counts[JobStatusPending],
		Queued:     counts[JobStatusQueued],
		Processing: counts[JobStatusProcessing],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
		Cancelled:  counts[JobStatusCancelled],
	}, nil
}
