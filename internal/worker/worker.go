package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskx/internal/config"
	"taskx/internal/domain"
	"taskx/internal/engine"
	"taskx/internal/metrics"
	"taskx/internal/queue"
	"taskx/internal/registry"
	"taskx/internal/scheduler"
)

var (
	ErrNotInitialized = errors.New("worker not initialized")
	ErrAlreadyStarted = errors.New("worker already started")
)

// Mode selects whether Start blocks on the scheduler.
type Mode int

const (
	// ModeBlocking makes Start run the scheduler until its context ends.
	ModeBlocking Mode = iota
	// ModeBackground makes Start return once the scheduler is running.
	ModeBackground
)

func (m Mode) String() string {
	if m == ModeBackground {
		return "background"
	}
	return "blocking"
}

type Option func(*Worker)

func WithMode(m Mode) Option {
	return func(w *Worker) { w.mode = m }
}

// WithStore makes Init use repo instead of opening one from the config.
func WithStore(repo queue.Repository) Option {
	return func(w *Worker) { w.repo = repo }
}

func WithRegistry(r *registry.Registry) Option {
	return func(w *Worker) { w.reg = r }
}

// WithContextFunc wraps the context of every tick and every cron or date
// run, so tasks can see values the host application attaches.
func WithContextFunc(fn func(context.Context) context.Context) Option {
	return func(w *Worker) { w.wrap = fn }
}

// Worker owns the registry, the schedule store, the engine and the
// scheduling driver. Tasks are defined before Start.
type Worker struct {
	id   string
	mode Mode
	wrap func(context.Context) context.Context
	log  zerolog.Logger

	reg    *registry.Registry
	repo   queue.Repository
	cfg    config.Config
	driver *scheduler.Driver
	engine *engine.Engine

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(opts ...Option) *Worker {
	w := &Worker{id: uuid.NewString()}
	for _, opt := range opts {
		opt(w)
	}
	if w.reg == nil {
		w.reg = registry.New()
	}
	w.log = log.With().Str("component", "worker").Str("worker_id", w.id).Logger()
	return w
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Mode() Mode { return w.mode }

func (w *Worker) Registry() *registry.Registry { return w.reg }

// Location is the default zone of cron and date triggers.
func (w *Worker) Location() *time.Location {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.driver == nil {
		return time.UTC
	}
	return w.driver.Location()
}

// Store returns the schedule store, nil before Init.
func (w *Worker) Store() queue.Repository {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.repo
}

// Init reads the connection settings from cfg and opens the schedule store.
// It fails with config.ErrMissingConnectionURI when no URI is configured.
func (w *Worker) Init(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	if w.repo == nil {
		store, err := queue.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init worker: %w", err)
		}
		w.repo = store
	}
	w.cfg = cfg
	w.driver = scheduler.NewDriver(cfg.Location())
	w.engine = engine.New(w.repo, w.reg)
	w.log.Info().Str("mode", w.mode.String()).Dur("interval", cfg.Interval()).Msg("worker initialized")
	return nil
}

// Define registers fn under name and returns a handle for enqueueing it.
func (w *Worker) Define(name string, fn registry.TaskFunc) *Task {
	w.reg.Register(name, fn)
	return &Task{w: w, name: name}
}

// DefineCron registers a job fired by trigger once the worker starts.
func (w *Worker) DefineCron(name string, trigger scheduler.CronTrigger, fn registry.JobFunc) {
	w.reg.RegisterCron(name, trigger, fn)
}

// DefineDate registers a job fired once at the trigger's date.
func (w *Worker) DefineDate(name string, trigger scheduler.DateTrigger, fn registry.JobFunc) {
	w.reg.RegisterDate(name, trigger, fn)
}

// Apply enqueues an invocation of name due now.
func (w *Worker) Apply(ctx context.Context, name string, payload domain.Payload) (int64, error) {
	return w.ApplyAt(ctx, name, time.Time{}, payload)
}

// ApplyAt enqueues an invocation of name due at at. A zero at means now.
func (w *Worker) ApplyAt(ctx context.Context, name string, at time.Time, payload domain.Payload) (int64, error) {
	repo := w.Store()
	if repo == nil {
		return 0, ErrNotInitialized
	}
	id, err := repo.Append(ctx, name, payload, at)
	if err != nil {
		return 0, fmt.Errorf("apply %q: %w", name, err)
	}
	metrics.Enqueued(name)
	w.log.Debug().Str("task", name).Int64("invocation_id", id).Msg("task enqueued")
	return id, nil
}

// Tick runs one engine cycle outside the scheduler.
func (w *Worker) Tick(ctx context.Context) error {
	w.mu.Lock()
	e := w.engine
	w.mu.Unlock()
	if e == nil {
		return ErrNotInitialized
	}
	return e.Tick(w.context(ctx))
}

// Start ensures the schema, schedules the engine tick and every registered
// cron and date job. In ModeBlocking it returns when ctx ends; in
// ModeBackground it returns right away and the worker runs until ctx ends or
// Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.engine == nil {
		w.mu.Unlock()
		return ErrNotInitialized
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.schedule(runCtx); err != nil {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		// drop the entries added before the failure
		w.driver = scheduler.NewDriver(w.cfg.Location())
		w.mu.Unlock()
		return err
	}

	if w.mode == ModeBlocking {
		w.driver.Run(runCtx)
		return nil
	}
	w.driver.Start()
	go func() {
		<-runCtx.Done()
		w.driver.Stop()
	}()
	return nil
}

func (w *Worker) schedule(ctx context.Context) error {
	if err := w.repo.EnsureSchema(ctx); err != nil {
		return err
	}
	if w.cfg.ReleaseClaims {
		n, err := w.repo.ReleaseClaims(ctx)
		if err != nil {
			return fmt.Errorf("release claims: %w", err)
		}
		if n > 0 {
			w.log.Warn().Int("released", n).Msg("released stranded claims")
		}
	}

	if _, err := w.driver.Every("tick", w.cfg.Interval(), func() {
		if err := w.engine.Tick(w.context(ctx)); err != nil {
			w.log.Error().Err(err).Msg("tick failed")
		}
	}); err != nil {
		return err
	}
	for _, job := range w.reg.Crons() {
		if _, err := w.driver.Cron(job.Name, job.Trigger, w.job(ctx, "cron", job.Name, job.Run)); err != nil {
			return err
		}
	}
	for _, job := range w.reg.Dates() {
		if _, err := w.driver.At(job.Name, job.Trigger, w.job(ctx, "date", job.Name, job.Run)); err != nil {
			return err
		}
	}
	w.log.Info().
		Strs("tasks", w.reg.Names()).
		Int("crons", len(w.reg.Crons())).
		Int("dates", len(w.reg.Dates())).
		Msg("worker scheduled")
	return nil
}

// Stop cancels the worker. The returned context is done once running ticks
// and jobs have finished.
func (w *Worker) Stop() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.driver == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return w.driver.Stop()
}

// Close stops the worker and closes the schedule store.
func (w *Worker) Close() error {
	<-w.Stop().Done()
	if repo := w.Store(); repo != nil {
		return repo.Close()
	}
	return nil
}

// job wraps a cron or date function. Failures are recorded, never retried.
func (w *Worker) job(ctx context.Context, kind, name string, fn registry.JobFunc) func() {
	return func() {
		jctx := w.context(ctx)
		started := time.Now()
		out, err := runJob(jctx, fn)
		finished := time.Now()

		var msg string
		status := "ok"
		if err != nil {
			msg = err.Error()
			status = "failed"
			w.log.Error().Err(err).Str("kind", kind).Str("job", name).Msg("job failed")
		}
		metrics.Job(kind, status)
		if _, err := w.repo.Record(jctx, name, started, finished, out, msg); err != nil {
			w.log.Error().Err(err).Str("kind", kind).Str("job", name).Msg("record job outcome")
		}
	}
}

func runJob(ctx context.Context, fn registry.JobFunc) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (w *Worker) context(ctx context.Context) context.Context {
	if w.wrap == nil {
		return ctx
	}
	return w.wrap(ctx)
}

// Task is a handle on a defined task.
type Task struct {
	w    *Worker
	name string
}

func (t *Task) Name() string { return t.name }

// Apply enqueues an invocation due now.
func (t *Task) Apply(ctx context.Context, payload domain.Payload) (int64, error) {
	return t.w.Apply(ctx, t.name, payload)
}

// ApplyAt enqueues an invocation due at at.
func (t *Task) ApplyAt(ctx context.Context, at time.Time, payload domain.Payload) (int64, error) {
	return t.w.ApplyAt(ctx, t.name, at, payload)
}
