package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/segpulse/errors"
)

// Store persists jobs. Every status change goes through a conditional UPDATE
// whose WHERE clause names the allowed source states, so concurrent writers
// are serialised by the row itself.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// TransitionResult is the outcome of a conditional status update.
// When Updated is false, PreviousStatus is the status that blocked the write.
type TransitionResult struct {
	Updated        bool      `json:"updated"`
	PreviousStatus JobStatus `json:"previous_status"`
}

// CancelScope narrows a bulk cancellation. Empty fields match anything.
type CancelScope struct {
	OwnerID   string
	ProjectID string
	BatchID   string
}

// CancelledJob identifies one job moved to cancelled by a bulk update
type CancelledJob struct {
	ID             string    `json:"id"`
	Kind           JobKind   `json:"kind"`
	OwnerID        string    `json:"owner_id"`
	ProjectID      string    `json:"project_id"`
	BatchID        string    `json:"batch_id,omitempty"`
	PreviousStatus JobStatus `json:"previous_status"`
	CancelledAt    time.Time `json:"cancelled_at"`
}

// JobFilter selects jobs for listing
type JobFilter struct {
	Status    JobStatus
	OwnerID   string
	ProjectID string
	BatchID   string
	Limit     int
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.Status != JobStatusPending && job.Status != JobStatusQueued {
		return errors.AssertionFailedf("new job %s must start pending or queued, got %s", job.ID, job.Status)
	}

	query := `
		INSERT INTO jobs (
			id, kind, owner_id, project_id, batch_id,
			status, payload, priority,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		job.OwnerID,
		job.ProjectID,
		nullString(job.BatchID),
		job.Status,
		nullString(string(job.Payload)),
		job.Priority,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.WithDetail(errors.Internal(err, "failed to create job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// GetJob reads a job by ID. A missing job is ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Internal(err, "failed to get job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryJobs(ctx, "failed to list jobs", query, args...)
}

// MarkQueued moves a pending job into the queue
func (s *Store) MarkQueued(ctx context.Context, id string, at time.Time) (TransitionResult, error) {
	return s.transition(ctx, id, JobStatusQueued, at, "")
}

// MarkProcessing moves a queued job to processing
func (s *Store) MarkProcessing(ctx context.Context, id string, at time.Time) (TransitionResult, error) {
	return s.transition(ctx, id, JobStatusProcessing, at,
		`, started_at = COALESCE(started_at, ?)`, at)
}

// MarkCompleted attaches the artifact only if the job is still processing
func (s *Store) MarkCompleted(ctx context.Context, id, artifactRef string, at time.Time) (TransitionResult, error) {
	return s.transition(ctx, id, JobStatusCompleted, at,
		`, completed_at = ?, artifact_ref = ?`, at, nullString(artifactRef))
}

// MarkFailed records errorInfo only if the job is still processing
func (s *Store) MarkFailed(ctx context.Context, id, errorInfo string, at time.Time) (TransitionResult, error) {
	return s.transition(ctx, id, JobStatusFailed, at,
		`, completed_at = ?, error_info = ?`, at, errorInfo)
}

// MarkCancelled cancels a job that has not reached a terminal state.
// The artifact reference is cleared in the same statement.
func (s *Store) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (TransitionResult, error) {
	return s.transition(ctx, id, JobStatusCancelled, at,
		`, cancelled_at = ?, cancel_reason = ?, artifact_ref = NULL`, at, nullString(reason))
}

// transition performs one conditional status update. set is appended to the
// SET clause and consumes setArgs.
func (s *Store) transition(ctx context.Context, id string, to JobStatus, at time.Time, set string, setArgs ...interface{}) (TransitionResult, error) {
	from := sourcesOf(to)

	// RETURNING sees the new row, whose previous_status is the old status
	query := `UPDATE jobs SET previous_status = status, status = ?, updated_at = ?` + set +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `) RETURNING previous_status`

	args := make([]interface{}, 0, 3+len(setArgs)+len(from))
	args = append(args, to, at)
	args = append(args, setArgs...)
	args = append(args, id)
	for _, status := range from {
		args = append(args, status)
	}

	var previous string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&previous)
	if err == nil {
		return TransitionResult{Updated: true, PreviousStatus: JobStatus(previous)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		err = errors.Internal(err, fmt.Sprintf("failed to mark job %s", to))
		return TransitionResult{}, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	// Lost the race or the edge does not exist: report what blocked us
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Updated: false, PreviousStatus: current}, nil
}

func (s *Store) currentStatus(ctx context.Context, id string) (JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NotFoundf("job not found: %s", id)
	}
	if err != nil {
		return "", errors.Internal(err, "failed to read job status")
	}
	return JobStatus(status), nil
}

// CancelWhere cancels every active job in scope with one statement and
// returns the jobs it moved. Jobs already terminal are untouched.
func (s *Store) CancelWhere(ctx context.Context, scope CancelScope, reason string, at time.Time) ([]CancelledJob, error) {
	query := `UPDATE jobs SET previous_status = status, status = ?, updated_at = ?,
		cancelled_at = ?, cancel_reason = ?, artifact_ref = NULL
		WHERE status IN (` + placeholders(len(ActiveStatuses)) + `)`

	args := []interface{}{JobStatusCancelled, at, at, nullString(reason)}
	for _, status := range ActiveStatuses {
		args = append(args, status)
	}
	if scope.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, scope.OwnerID)
	}
	if scope.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, scope.ProjectID)
	}
	if scope.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, scope.BatchID)
	}
	query += ` RETURNING id, kind, owner_id, project_id, batch_id, previous_status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal(err, "failed to cancel jobs")
	}
	defer rows.Close()

	var cancelled []CancelledJob
	for rows.Next() {
		var c CancelledJob
		var batchID sql.NullString
		if err := rows.Scan(&c.ID, &c.Kind, &c.OwnerID, &c.ProjectID, &batchID, &c.PreviousStatus); err != nil {
			return nil, errors.Internal(err, "failed to scan cancelled job")
		}
		c.BatchID = batchID.String
		c.CancelledAt = at
		cancelled = append(cancelled, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(err, "failed to cancel jobs")
	}
	return cancelled, nil
}

// Claim atomically moves the highest priority, oldest queued job to
// processing on behalf of nodeID and returns it. Returns nil when the queue
// is empty.
func (s *Store) Claim(ctx context.Context, at time.Time, nodeID string) (*Job, error) {
	query := `
		UPDATE jobs SET previous_status = status, status = ?, started_at = ?, updated_at = ?, claimed_by = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = ?
		RETURNING id
	`

	var id string
	err := s.db.QueryRowContext(ctx, query,
		JobStatusProcessing, at, at, nullString(nodeID), JobStatusQueued, JobStatusQueued).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal(err, "failed to claim job")
	}
	return s.GetJob(ctx, id)
}

// ListOrphans returns processing jobs claimed by nodeID, plus processing jobs
// with no recorded claimant. Jobs other nodes are running are left alone.
func (s *Store) ListOrphans(ctx context.Context, nodeID string, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs
		WHERE status = ? AND (claimed_by = ? OR claimed_by IS NULL)
		ORDER BY created_at ASC`
	args := []interface{}{JobStatusProcessing, nodeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryJobs(ctx, "failed to list orphaned jobs", query, args...)
}

// CountByStatus counts jobs per status. Empty projectID or ownerID match
// every project or owner.
func (s *Store) CountByStatus(ctx context.Context, projectID, ownerID string) (map[JobStatus]int, error) {
	where, args := filterClause(JobFilter{ProjectID: projectID, OwnerID: ownerID})
	query := `SELECT status, COUNT(*) FROM jobs` + where + ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Internal(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(err, "failed to count jobs")
	}
	return counts, nil
}

// DeleteTerminalBefore removes completed, failed and cancelled jobs whose last
// transition is older than cutoff. Active jobs are never touched.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff)
	if err != nil {
		return 0, errors.Internal(err, "failed to delete old jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Internal(err, "failed to count deleted jobs")
	}
	return n, nil
}

func filterClause(filter JobFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.BatchID != "" {
		conds = append(conds, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) queryJobs(ctx context.Context, failMsg, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal(err, failMsg)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Internal(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(err, failMsg)
	}
	return jobs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
