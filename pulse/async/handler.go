package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/segpulse/errors"
)

// Run carries the state of one job execution between steps
type Run struct {
	Job *Job

	// ArtifactRef is handed to Complete after the last step
	ArtifactRef string
}

// Step is one uninterruptible unit of work. The worker re-reads the job's
// status from the store between steps, never inside one.
type Step struct {
	Name string
	Run  func(ctx context.Context, run *Run) error
}

// JobHandler executes one job kind as a sequence of steps.
//
// Steps are built per job so handlers can share decoded payload and
// intermediate results through closures. Cleanup removes partial output and
// must be safe to call more than once, including for a job that never ran.
type JobHandler interface {
	Name() string
	Steps(job *Job) ([]Step, error)
	Cleanup(ctx context.Context, run *Run) error
}

// HandlerRegistry maps job kinds to handlers
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a name, or nil
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns all registered handler names, sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cleanup implements Cleaner by delegating to the job's handler
func (r *HandlerRegistry) Cleanup(ctx context.Context, job *Job) error {
	handler := r.Get(string(job.Kind))
	if handler == nil {
		return errors.Newf("no handler registered for kind: %s", job.Kind)
	}
	return handler.Cleanup(ctx, &Run{Job: job})
}
