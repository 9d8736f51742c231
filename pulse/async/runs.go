package async

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ActiveRun describes a job currently executing on this node
type ActiveRun struct {
	JobID           string        `json:"job_id"`
	Kind            JobKind       `json:"kind"`
	OwnerID         string        `json:"owner_id"`
	ProjectID       string        `json:"project_id"`
	Step            string        `json:"step,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	CancelRequested bool          `json:"cancel_requested"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
}

type runEntry struct {
	info   ActiveRun
	cancel context.CancelFunc
}

// RunRegistry tracks in-flight runs so a committed cancellation can abort
// blocking I/O early. The store status stays authoritative; a signal only
// shortens the wait until the next checkpoint.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*runEntry
	now  func() time.Time
}

// NewRunRegistry creates an empty registry
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		runs: make(map[string]*runEntry),
		now:  time.Now,
	}
}

// Begin registers a run and returns its context. The returned func must be
// called when the run ends.
func (r *RunRegistry) Begin(parent context.Context, job *Job) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.runs[job.ID] = &runEntry{
		info: ActiveRun{
			JobID:     job.ID,
			Kind:      job.Kind,
			OwnerID:   job.OwnerID,
			ProjectID: job.ProjectID,
			StartedAt: r.now(),
		},
		cancel: cancel,
	}
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.runs, job.ID)
		r.mu.Unlock()
		cancel()
	}
}

// SetStep records the step a run is executing
func (r *RunRegistry) SetStep(jobID, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[jobID]; ok {
		e.info.Step = step
	}
}

// Signal cancels the context of a running job. Reports whether the job was running here.
func (r *RunRegistry) Signal(jobID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[jobID]
	if !ok {
		return false
	}
	e.info.CancelRequested = true
	e.info.CancelReason = reason
	e.cancel()
	return true
}

// Active lists running jobs, longest running first
func (r *RunRegistry) Active() []ActiveRun {
	r.mu.Lock()
	now := r.now()
	out := make([]ActiveRun, 0, len(r.runs))
	for _, e := range r.runs {
		info := e.info
		info.Duration = now.Sub(info.StartedAt)
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of running jobs
func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
