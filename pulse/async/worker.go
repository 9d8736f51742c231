package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/db"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are failed on startup
	MaxOrphanedJobsToRecover = 1000

	// DefaultPollInterval is how often an idle worker looks for queued jobs
	DefaultPollInterval = 500 * time.Millisecond

	stopTimeout = 30 * time.Second
)

// RateLimiter paces claims. Wait blocks until a claim is allowed or ctx ends.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// pulseLogger wraps zap.SugaredLogger with methods for worker lifecycle events.
// Opening and closing events carry their own symbols so they stand out in
// console output.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(logger.SymPulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(logger.SymPulseClose+" "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: DefaultPollInterval,
	}
}

// WorkerPool claims queued jobs and runs them step by step. Between steps a
// worker re-reads the job; a job that was cancelled is cleaned up and
// abandoned, and its result is never written.
type WorkerPool struct {
	engine      *Engine
	registry    *HandlerRegistry
	runs        *RunRegistry
	rateLimiter RateLimiter // optional
	config      WorkerPoolConfig

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex

	logger pulseLogger
}

// NewWorkerPool creates a worker pool. Register handlers before calling Start.
// rateLimiter may be nil.
func NewWorkerPool(ctx context.Context, engine *Engine, registry *HandlerRegistry, cfg WorkerPoolConfig, rateLimiter RateLimiter, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logger.Logger
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		engine:      engine,
		registry:    registry,
		runs:        engine.Runs(),
		rateLimiter: rateLimiter,
		config:      cfg,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		logger:      pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
}

// Start fails jobs orphaned by a previous process, then starts the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.mu.Unlock()

	if n, err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Starting("Failed orphaned jobs from previous run", logger.FieldCount, n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.config.Workers)
	}

	wp.logger.Starting("Worker pool started",
		"workers", wp.config.Workers,
		"handlers", wp.registry.Names())
	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedJobs fails jobs this node left in processing when its
// previous process died. Their partial output is unknown, so they are not
// requeued. Jobs claimed by other nodes are theirs to finish.
func (wp *WorkerPool) recoverOrphanedJobs() (int, error) {
	orphans, err := wp.engine.Store().ListOrphans(wp.ctx, wp.engine.NodeID(), MaxOrphanedJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list processing jobs")
	}

	info := ErrorContext{
		Stage:   "recovery",
		Code:    ErrorCodeInterrupted,
		Message: "worker stopped while job was processing",
	}.String()

	recovered := 0
	for _, job := range orphans {
		res, err := wp.engine.Fail(wp.ctx, job.ID, info)
		if err != nil {
			wp.logger.Warnw("Failed to fail orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		if res.Updated {
			recovered++
		}
	}
	return recovered, nil
}

// Stop cancels the workers and waits for them to leave their current step
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly")
	case <-time.After(stopTimeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be finishing a step", "timeout", stopTimeout)
	}
}

// ActiveRuns lists the jobs this pool is executing
func (wp *WorkerPool) ActiveRuns() []ActiveRun {
	return wp.runs.Active()
}

func (wp *WorkerPool) currentContext() context.Context {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.ctx
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	ctx := wp.currentContext()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick
			for {
				processed, err := wp.processNextJob(ctx)
				if err == nil {
					if errorCount > 0 {
						wp.logger.Infow("Worker recovered from errors",
							"worker_id", id,
							"previous_error_count", errorCount)
					}
					errorCount = 0
					backoffDuration = time.Second
					if processed && ctx.Err() == nil {
						continue
					}
					break
				}

				if ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}
		}
	}
}

// processNextJob claims and executes one job. Reports whether a job was
// claimed. Each claim takes one limiter token before the worker may claim
// again; polls that find an empty queue take none.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	job, err := wp.engine.Claim(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	wp.execute(ctx, job)

	if wp.rateLimiter != nil {
		if err := wp.rateLimiter.Wait(ctx); err != nil && ctx.Err() == nil {
			return true, errors.Wrap(err, "claim rate limiter")
		}
	}
	return true, nil
}

// execute runs a claimed job. Transitions and checkpoints use the pool
// context; steps use the run context, which a cancellation also ends.
func (wp *WorkerPool) execute(ctx context.Context, job *Job) {
	log := logger.FromContext(logger.WithJobID(ctx, job.ID), wp.logger.SugaredLogger).
		With(logger.FieldKind, job.Kind, logger.FieldProjectID, job.ProjectID)

	handler := wp.registry.Get(string(job.Kind))
	if handler == nil {
		wp.fail(ctx, log, job, ErrorContext{
			Stage:   "dispatch",
			Code:    ErrorCodeValidationError,
			Message: "no handler registered for kind " + string(job.Kind),
		})
		return
	}

	steps, err := handler.Steps(job)
	if err != nil {
		wp.fail(ctx, log, job, ClassifyError("prepare", err))
		return
	}

	runCtx, done := wp.runs.Begin(ctx, job)
	defer done()

	run := &Run{Job: job}
	start := time.Now()
	log.Debugw("Job started", "steps", len(steps))

	for _, step := range steps {
		if ctx.Err() != nil {
			log.Infow("Shutdown during job, leaving it for recovery", logger.FieldStep, step.Name)
			return
		}
		if !wp.checkpoint(ctx, log, handler, run) {
			return
		}

		wp.runs.SetStep(job.ID, step.Name)
		stepStart := time.Now()
		if err := runStep(runCtx, step, run); err != nil {
			if ctx.Err() != nil {
				log.Infow("Shutdown interrupted step, leaving job for recovery", logger.FieldStep, step.Name)
				return
			}
			if runCtx.Err() != nil && !wp.checkpoint(ctx, log, handler, run) {
				return
			}
			wp.fail(ctx, log, job, ClassifyError(step.Name, err))
			wp.cleanup(ctx, log, handler, run)
			return
		}
		log.Debugw("Step finished",
			logger.FieldStep, step.Name,
			logger.FieldDurationMS, time.Since(stepStart).Milliseconds())
	}

	res, err := wp.engine.Complete(ctx, job.ID, run.ArtifactRef)
	if err != nil {
		log.Errorw("Failed to record completion", logger.FieldError, err)
		return
	}
	if !res.Updated {
		log.Infow("Result discarded, job no longer processing", logger.FieldStatus, res.PreviousStatus)
		wp.cleanup(ctx, log, handler, run)
		return
	}
	log.Infow("Job finished", logger.FieldDurationMS, time.Since(start).Milliseconds())
}

// checkpoint re-reads the job and reports whether it may continue. A job that
// left processing is cleaned up.
func (wp *WorkerPool) checkpoint(ctx context.Context, log *zap.SugaredLogger, handler JobHandler, run *Run) bool {
	current, err := wp.engine.Store().GetJob(ctx, run.Job.ID)
	if err != nil {
		// Unknown state; the result write is guarded, so keep going
		log.Warnw("Checkpoint read failed", logger.FieldError, err)
		return true
	}
	if current.Status == JobStatusProcessing {
		return true
	}

	log.Infow("Job left processing, stopping at checkpoint",
		logger.FieldStatus, current.Status,
		logger.FieldReason, current.CancelReason)
	wp.cleanup(ctx, log, handler, run)
	return false
}

func (wp *WorkerPool) fail(ctx context.Context, log *zap.SugaredLogger, job *Job, ec ErrorContext) {
	res, err := wp.engine.Fail(ctx, job.ID, ec.String())
	if err != nil {
		log.Errorw("Failed to record failure", logger.FieldError, err)
		return
	}
	if !res.Updated {
		log.Infow("Failure discarded, job no longer processing", logger.FieldStatus, res.PreviousStatus)
	}
}

func (wp *WorkerPool) cleanup(ctx context.Context, log *zap.SugaredLogger, handler JobHandler, run *Run) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Cleanup panicked", logger.FieldError, r)
		}
	}()
	if err := handler.Cleanup(cctx, run); err != nil {
		log.Warnw("Cleanup failed", logger.FieldError, err)
	}
}

// runStep executes one step, turning a panic into an error
func runStep(ctx context.Context, step Step, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("step %s panicked: %v", step.Name, r), errStepPanic)
		}
	}()
	return step.Run(ctx, run)
}
