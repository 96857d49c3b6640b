package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"taskx/internal/domain"
	"taskx/internal/scheduler"
)

// TaskFunc is a deferred task. It receives the invocation payload as keyword
// arguments and returns a JSON-serializable result.
type TaskFunc func(ctx context.Context, kwargs domain.Payload) (any, error)

// JobFunc is a cron or date job. Jobs take no payload.
type JobFunc func(ctx context.Context) (any, error)

type CronJob struct {
	Name    string
	Trigger scheduler.CronTrigger
	Run     JobFunc
}

type DateJob struct {
	Name    string
	Trigger scheduler.DateTrigger
	Run     JobFunc
}

// UnknownTaskError is returned by Run for a name that was never registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task: %q", e.Name)
}

// Registry maps task names to functions and collects cron/date jobs until the
// worker starts. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
	crons []CronJob
	dates []DateJob
}

func New() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register stores fn under name. A second registration under the same name
// replaces the first.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run resolves name and calls it with payload decoded as keyword arguments.
// The function's result and error are returned as is.
func (r *Registry) Run(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	kwargs, err := domain.Invocation{Payload: payload}.Args()
	if err != nil {
		return nil, fmt.Errorf("decode payload for %q: %w", name, err)
	}
	return fn(ctx, kwargs)
}

func (r *Registry) RegisterCron(name string, trigger scheduler.CronTrigger, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crons = append(r.crons, CronJob{Name: name, Trigger: trigger, Run: fn})
}

func (r *Registry) RegisterDate(name string, trigger scheduler.DateTrigger, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, DateJob{Name: name, Trigger: trigger, Run: fn})
}

// Crons returns the cron jobs in registration order.
func (r *Registry) Crons() []CronJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CronJob(nil), r.crons...)
}

// Dates returns the date jobs in registration order.
func (r *Registry) Dates() []DateJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DateJob(nil), r.dates...)
}
