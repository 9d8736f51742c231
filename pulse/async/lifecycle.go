package async

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// DefaultCleanupTimeout bounds one best-effort cleanup after cancellation
const DefaultCleanupTimeout = 2 * time.Minute

// Cleaner removes partial output of a cancelled job. It must tolerate being
// called for a job that produced nothing.
type Cleaner interface {
	Cleanup(ctx context.Context, job *Job) error
}

// EnqueueRequest describes a new job. The caller becomes its owner.
type EnqueueRequest struct {
	Kind      JobKind         `json:"kind"`
	ProjectID string          `json:"project_id"`
	BatchID   string          `json:"batch_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Pending   bool            `json:"pending,omitempty"`
}

// CancelResult reports a single cancellation. Cancelled is true only for the
// call that moved the job; repeat calls see false and the original CancelledAt.
type CancelResult struct {
	Cancelled      bool      `json:"cancelled"`
	CancelledAt    time.Time `json:"cancelled_at"`
	PreviousStatus JobStatus `json:"previous_status"`
}

// Engine owns every job transition. Each operation is one conditional write;
// events are appended to the outbox only when that write wins.
type Engine struct {
	store   *Store
	access  AccessChecker
	outbox  *Outbox
	runs    *RunRegistry
	cleaner Cleaner
	logger  *zap.SugaredLogger
	now     func() time.Time
	nodeID  string

	cleanupTimeout time.Duration
	cleanups       sync.WaitGroup
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithCleaner sets the cleanup run after each committed cancellation
func WithCleaner(c Cleaner) EngineOption {
	return func(e *Engine) { e.cleaner = c }
}

// WithRunRegistry lets cancellations signal runs on this node
func WithRunRegistry(r *RunRegistry) EngineOption {
	return func(e *Engine) { e.runs = r }
}

// WithLogger sets the engine logger
func WithLogger(l *zap.SugaredLogger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithNodeID names the node that claims jobs through this engine. It must be
// unique per running instance and stable across its restarts.
func WithNodeID(id string) EngineOption {
	return func(e *Engine) { e.nodeID = id }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCleanupTimeout bounds each cleanup call
func WithCleanupTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.cleanupTimeout = d }
}

// NewEngine creates a lifecycle engine
func NewEngine(store *Store, access AccessChecker, outbox *Outbox, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		access:         access,
		outbox:         outbox,
		runs:           NewRunRegistry(),
		logger:         logger.Logger,
		now:            time.Now,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.nodeID == "" {
		e.nodeID = DefaultNodeID()
	}
	e.logger = logger.AddPulseSymbol(e.logger.Named("engine"))
	return e
}

// Store returns the underlying job store
func (e *Engine) Store() *Store { return e.store }

// Runs returns the registry of runs on this node
func (e *Engine) Runs() *RunRegistry { return e.runs }

// NodeID returns the node recorded on jobs this engine claims
func (e *Engine) NodeID() string { return e.nodeID }

// DefaultNodeID is the hostname, or "local" when it cannot be read
func DefaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

// Enqueue creates a job owned by callerID. The caller needs editor access
// to the project; anything less is reported as not found.
func (e *Engine) Enqueue(ctx context.Context, callerID string, req EnqueueRequest) (*Job, error) {
	role, err := e.roleFor(ctx, callerID, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !role.CanModify() {
		return nil, errors.NotFoundf("project not found: %s", req.ProjectID)
	}

	job, err := NewJob(req.Kind, callerID, req.ProjectID, req.BatchID, req.Payload, req.Priority, req.Pending)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	e.logger.Infow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldKind, job.Kind,
		logger.FieldProjectID, job.ProjectID,
		logger.FieldStatus, job.Status)
	e.outbox.Append(statsEvent(job.ProjectID, 0, job.CreatedAt))
	return job, nil
}

// GetJob returns a job the caller may see: its owner or any project member
// with at least viewer access.
func (e *Engine) GetJob(ctx context.Context, jobID, callerID string) (*Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID == callerID {
		return job, nil
	}
	role, err := e.roleFor(ctx, callerID, job.ProjectID)
	if err != nil {
		return nil, err
	}
	if !role.CanView() {
		return nil, errors.NotFoundf("job not found: %s", jobID)
	}
	return job, nil
}

// Release moves a pending job into the queue on behalf of callerID, who needs
// the same rights as for cancelling it. A job already queued or running
// reports Updated false; a finished one is ErrConflict.
func (e *Engine) Release(ctx context.Context, jobID, callerID string) (TransitionResult, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.authorizeModify(ctx, job, callerID); err != nil {
		return TransitionResult{}, err
	}

	res, err := e.store.MarkQueued(ctx, jobID, e.timestamp())
	if err != nil {
		return res, err
	}
	if !res.Updated {
		if res.PreviousStatus.IsTerminal() {
			return res, errors.Conflictf("job %s is already %s", jobID, res.PreviousStatus)
		}
		return res, nil
	}

	e.logger.Infow("Job released",
		logger.FieldJobID, jobID,
		logger.FieldUserID, callerID)
	e.emitStatsFor(ctx, jobID)
	return res, nil
}

// MarkProcessing moves a queued job to processing. Any other state rejects
// the transition with Updated false.
func (e *Engine) MarkProcessing(ctx context.Context, jobID string) (TransitionResult, error) {
	res, err := e.store.MarkProcessing(ctx, jobID, e.timestamp())
	if err != nil || !res.Updated {
		return res, err
	}
	e.emitStatsFor(ctx, jobID)
	return res, nil
}

// Claim takes the next queued job for processing, or nil when idle
func (e *Engine) Claim(ctx context.Context) (*Job, error) {
	job, err := e.store.Claim(ctx, e.timestamp(), e.nodeID)
	if err != nil || job == nil {
		return job, err
	}
	e.outbox.Append(statsEvent(job.ProjectID, 0, job.UpdatedAt))
	return job, nil
}

// Complete attaches artifactRef and moves the job to completed, but only if
// it is still processing. A job cancelled in the meantime stays cancelled and
// the result reports Updated false with PreviousStatus cancelled.
func (e *Engine) Complete(ctx context.Context, jobID, artifactRef string) (TransitionResult, error) {
	at := e.timestamp()
	res, err := e.store.MarkCompleted(ctx, jobID, artifactRef, at)
	if err != nil {
		return res, err
	}
	if !res.Updated {
		e.logger.Infow("Completion discarded",
			logger.FieldJobID, jobID,
			logger.FieldStatus, res.PreviousStatus)
		return res, nil
	}

	e.logger.Infow("Job completed", logger.FieldJobID, jobID)
	e.emitTerminal(ctx, jobID, EventJobCompleted, res.PreviousStatus, at)
	return res, nil
}

// Fail records errorInfo under the same guard as Complete
func (e *Engine) Fail(ctx context.Context, jobID, errorInfo string) (TransitionResult, error) {
	at := e.timestamp()
	res, err := e.store.MarkFailed(ctx, jobID, errorInfo, at)
	if err != nil {
		return res, err
	}
	if !res.Updated {
		e.logger.Infow("Failure discarded",
			logger.FieldJobID, jobID,
			logger.FieldStatus, res.PreviousStatus)
		return res, nil
	}

	e.logger.Warnw("Job failed", logger.FieldJobID, jobID, logger.FieldError, errorInfo)
	e.emitTerminal(ctx, jobID, EventJobFailed, res.PreviousStatus, at)
	return res, nil
}

// CancelOne cancels a job on behalf of callerID, who must own it or hold
// editor access to its project. Missing and forbidden jobs are both
// ErrNotFound; completed and failed jobs are ErrConflict.
func (e *Engine) CancelOne(ctx context.Context, jobID, callerID, reason string) (CancelResult, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return CancelResult{}, err
	}
	if err := e.authorizeModify(ctx, job, callerID); err != nil {
		return CancelResult{}, err
	}

	switch job.Status {
	case JobStatusCancelled:
		return alreadyCancelled(job), nil
	case JobStatusCompleted, JobStatusFailed:
		return CancelResult{}, errors.Conflictf("job %s is already %s", jobID, job.Status)
	}

	at := e.timestamp()
	res, err := e.store.MarkCancelled(ctx, jobID, reason, at)
	if err != nil {
		return CancelResult{}, err
	}

	if !res.Updated {
		// Another writer moved the job between our read and our write
		job, err = e.store.GetJob(ctx, jobID)
		if err != nil {
			return CancelResult{}, err
		}
		if job.Status == JobStatusCancelled {
			return alreadyCancelled(job), nil
		}
		return CancelResult{}, errors.Conflictf("job %s is already %s", jobID, job.Status)
	}

	e.afterCancel(ctx, []CancelledJob{{
		ID:             job.ID,
		Kind:           job.Kind,
		OwnerID:        job.OwnerID,
		ProjectID:      job.ProjectID,
		BatchID:        job.BatchID,
		PreviousStatus: res.PreviousStatus,
		CancelledAt:    at,
	}}, reason)

	return CancelResult{Cancelled: true, CancelledAt: at, PreviousStatus: res.PreviousStatus}, nil
}

// CancelByScope cancels every active job ownerID owns in projectID with one
// statement. The owner must still be able to see the project.
func (e *Engine) CancelByScope(ctx context.Context, ownerID, projectID, reason string) ([]CancelledJob, error) {
	role, err := e.roleFor(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if !role.CanView() {
		return nil, errors.NotFoundf("project not found: %s", projectID)
	}
	return e.cancelWhere(ctx, CancelScope{OwnerID: ownerID, ProjectID: projectID}, reason)
}

// CancelByBatchScope cancels every active job ownerID owns in batchID
func (e *Engine) CancelByBatchScope(ctx context.Context, ownerID, batchID, reason string) ([]CancelledJob, error) {
	if batchID == "" {
		return nil, errors.Invalidf("batch id cannot be empty")
	}
	return e.cancelWhere(ctx, CancelScope{OwnerID: ownerID, BatchID: batchID}, reason)
}

// CancelAllForOwner cancels every active job ownerID owns
func (e *Engine) CancelAllForOwner(ctx context.Context, ownerID, reason string) ([]CancelledJob, error) {
	if ownerID == "" {
		return nil, errors.Invalidf("owner id cannot be empty")
	}
	return e.cancelWhere(ctx, CancelScope{OwnerID: ownerID}, reason)
}

// CancelAllActive is the operator emergency stop: every active job of every owner
func (e *Engine) CancelAllActive(ctx context.Context, reason string) ([]CancelledJob, error) {
	e.logger.Warnw("Emergency stop requested", logger.FieldReason, reason)
	return e.cancelWhere(ctx, CancelScope{}, reason)
}

func (e *Engine) cancelWhere(ctx context.Context, scope CancelScope, reason string) ([]CancelledJob, error) {
	cancelled, err := e.store.CancelWhere(ctx, scope, reason, e.timestamp())
	if err != nil {
		return nil, err
	}
	if len(cancelled) > 0 {
		e.afterCancel(ctx, cancelled, reason)
	}
	return cancelled, nil
}

// afterCancel runs once per committed cancellation: signal local runs, start
// cleanup, then queue one event per job and one stats event per project.
func (e *Engine) afterCancel(ctx context.Context, cancelled []CancelledJob, reason string) {
	events := make([]Event, 0, len(cancelled)+1)
	perProject := make(map[string]int)
	var projects []string

	for _, c := range cancelled {
		if e.runs != nil && e.runs.Signal(c.ID, reason) {
			e.logger.Debugw("Signalled running job", logger.FieldJobID, c.ID)
		}
		e.scheduleCleanup(ctx, &Job{
			ID:        c.ID,
			Kind:      c.Kind,
			OwnerID:   c.OwnerID,
			ProjectID: c.ProjectID,
			BatchID:   c.BatchID,
			Status:    JobStatusCancelled,
		})

		e.logger.Infow("Job cancelled",
			logger.FieldJobID, c.ID,
			logger.FieldProjectID, c.ProjectID,
			logger.FieldPreviousStatus, c.PreviousStatus,
			logger.FieldReason, reason)

		events = append(events, jobEvent(EventJobCancelled, c.OwnerID, JobEventPayload{
			JobID:          c.ID,
			Kind:           c.Kind,
			ProjectID:      c.ProjectID,
			BatchID:        c.BatchID,
			PreviousStatus: c.PreviousStatus,
			Status:         JobStatusCancelled,
			Reason:         reason,
			Timestamp:      c.CancelledAt,
		}))

		if _, seen := perProject[c.ProjectID]; !seen {
			projects = append(projects, c.ProjectID)
		}
		perProject[c.ProjectID]++
	}

	at := cancelled[0].CancelledAt
	for _, projectID := range projects {
		events = append(events, statsEvent(projectID, perProject[projectID], at))
	}
	e.outbox.Append(events...)
}

// scheduleCleanup runs the cleaner in the background. The cancellation has
// already committed, so failures are logged and dropped.
func (e *Engine) scheduleCleanup(ctx context.Context, job *Job) {
	if e.cleaner == nil {
		return
	}

	e.cleanups.Add(1)
	go func() {
		defer e.cleanups.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorw("Cleanup panicked",
					logger.FieldJobID, job.ID,
					logger.FieldError, fmt.Sprintf("%v", r))
			}
		}()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
		defer cancel()

		if err := e.cleaner.Cleanup(cctx, job); err != nil {
			e.logger.Warnw("Cleanup after cancellation failed",
				logger.FieldJobID, job.ID,
				logger.FieldKind, job.Kind,
				logger.FieldError, err)
		}
	}()
}

// WaitCleanups blocks until background cleanups have finished
func (e *Engine) WaitCleanups() {
	e.cleanups.Wait()
}

// emitTerminal queues the job event and stats for a completed or failed job
func (e *Engine) emitTerminal(ctx context.Context, jobID string, eventType EventType, previous JobStatus, at time.Time) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Warnw("Transition committed but job could not be re-read for notification",
			logger.FieldJobID, jobID,
			logger.FieldError, err)
		return
	}

	e.outbox.Append(
		jobEvent(eventType, job.OwnerID, JobEventPayload{
			JobID:          job.ID,
			Kind:           job.Kind,
			ProjectID:      job.ProjectID,
			BatchID:        job.BatchID,
			PreviousStatus: previous,
			Status:         job.Status,
			ErrorInfo:      job.ErrorInfo,
			Timestamp:      at,
		}),
		statsEvent(job.ProjectID, 0, at),
	)
}

func (e *Engine) emitStatsFor(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Warnw("Could not re-read job for stats", logger.FieldJobID, jobID, logger.FieldError, err)
		return
	}
	e.outbox.Append(statsEvent(job.ProjectID, 0, job.UpdatedAt))
}

// authorizeModify admits the job's owner and project editors or owners
func (e *Engine) authorizeModify(ctx context.Context, job *Job, callerID string) error {
	if callerID != "" && job.OwnerID == callerID {
		return nil
	}
	role, err := e.roleFor(ctx, callerID, job.ProjectID)
	if err != nil {
		return err
	}
	if !role.CanModify() {
		return errors.NotFoundf("job not found: %s", job.ID)
	}
	return nil
}

func (e *Engine) roleFor(ctx context.Context, userID, projectID string) (Role, error) {
	if e.access == nil || userID == "" {
		return RoleNone, nil
	}
	role, err := e.access.RoleFor(ctx, userID, projectID)
	if err != nil {
		return RoleNone, errors.Internal(err, "access check failed")
	}
	return role, nil
}

func alreadyCancelled(job *Job) CancelResult {
	res := CancelResult{PreviousStatus: job.PreviousStatus}
	if job.CancelledAt != nil {
		res.CancelledAt = *job.CancelledAt
	}
	return res
}
