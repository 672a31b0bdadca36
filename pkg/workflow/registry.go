package workflow

import (
	"context"
	"fmt"
	"time"
)

// HandlerFunc is the body of a workflow function. It is replayed from the
// top on every resume; completed steps short-circuit through the
// checkpoint store.
type HandlerFunc func(ctx *Context) (any, error)

// FailureHandler runs once when a job exhausts its attempts or fails
// non-retriably. The run orchestrator uses it to finalize the Run record.
type FailureHandler func(ctx context.Context, job *Job, jobErr error)

// Function declares one workflow function.
type Function struct {
	// Name uniquely identifies the function.
	Name string
	// Event is the bus event that triggers it; empty for invoke-only
	// functions.
	Event string
	// Concurrency caps active jobs (running + suspended) of this
	// function; 0 means unlimited. Suspended jobs keep their slot, so a
	// run that is durably sleeping still counts against the limit and
	// always resumes.
	Concurrency int
	// Retries is the number of additional attempts after the first.
	Retries int
	// FinishTimeout bounds the wall-clock life of a job from its first
	// start; past it the orphan sweeper fails the job.
	FinishTimeout time.Duration
	// Handler is the replayable body.
	Handler HandlerFunc
	// OnFailure, if set, runs when the job is failed permanently.
	OnFailure FailureHandler
}

// maxAttempts returns the attempts budget stored on created jobs.
func (f *Function) maxAttempts() int {
	return f.Retries + 1
}

// Registry maps function names and trigger events to functions.
type Registry struct {
	byName  map[string]*Function
	byEvent map[string][]*Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Function),
		byEvent: make(map[string][]*Function),
	}
}

// Register adds a function. Names must be unique.
func (r *Registry) Register(fn *Function) error {
	if fn.Name == "" {
		return fmt.Errorf("workflow function requires a name")
	}
	if fn.Handler == nil {
		return fmt.Errorf("workflow function %s requires a handler", fn.Name)
	}
	if _, dup := r.byName[fn.Name]; dup {
		return fmt.Errorf("workflow function %s already registered", fn.Name)
	}
	r.byName[fn.Name] = fn
	if fn.Event != "" {
		r.byEvent[fn.Event] = append(r.byEvent[fn.Event], fn)
	}
	return nil
}

// MustRegister adds a function and panics on programmer error. Used at
// startup wiring only.
func (r *Registry) MustRegister(fn *Function) {
	if err := r.Register(fn); err != nil {
		panic(err)
	}
}

// Get returns a function by name.
func (r *Registry) Get(name string) (*Function, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}

// ForEvent returns the functions triggered by an event name.
func (r *Registry) ForEvent(event string) []*Function {
	return r.byEvent[event]
}

// Functions returns every registered function.
func (r *Registry) Functions() []*Function {
	out := make([]*Function, 0, len(r.byName))
	for _, fn := range r.byName {
		out = append(out, fn)
	}
	return out
}
