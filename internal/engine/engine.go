package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskx/internal/domain"
	"taskx/internal/metrics"
	"taskx/internal/queue"
)

// Runner resolves a task name and runs it with the invocation payload.
type Runner interface {
	Run(ctx context.Context, name string, payload json.RawMessage) (any, error)
}

// Engine claims one due invocation per tick, runs it and records the outcome.
type Engine struct {
	repo   queue.Repository
	runner Runner
	log    zerolog.Logger
	now    func() time.Time
}

func New(repo queue.Repository, runner Runner) *Engine {
	return &Engine{
		repo:   repo,
		runner: runner,
		log:    log.With().Str("component", "engine").Logger(),
		now:    time.Now,
	}
}

// Tick runs one claim-run-record cycle. Task failures are recorded through
// pushback and never returned; only storage errors are.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.now()
	inv, err := e.repo.ClaimNext(ctx, now)
	if errors.Is(err, queue.ErrEmpty) {
		metrics.Tick("idle")
		return nil
	}
	if err != nil {
		metrics.Tick("error")
		return fmt.Errorf("claim next: %w", err)
	}
	metrics.Tick("claimed")
	metrics.QueueWait(inv.TaskName, now.Sub(inv.ScheduledAt))

	l := e.log.With().Int64("invocation_id", inv.ID).Str("task", inv.TaskName).Logger()

	start := time.Now()
	result, runErr := e.run(ctx, inv)
	metrics.Exec(inv.TaskName, time.Since(start))

	var out json.RawMessage
	if runErr == nil {
		out, runErr = encodeResult(result)
	}
	if runErr == nil {
		err := e.repo.Complete(ctx, inv, out)
		if err == nil {
			metrics.Invocation(inv.TaskName, "done")
			l.Info().Dur("took", time.Since(start)).Msg("task completed")
			return nil
		}
		// a row left claimed is never claimed again
		if perr := e.repo.Pushback(ctx, inv, err.Error()); perr != nil {
			l.Error().Err(perr).Msg("pushback after failed completion")
		}
		return fmt.Errorf("complete invocation %d: %w", inv.ID, err)
	}

	if err := e.repo.Pushback(ctx, inv, runErr.Error()); err != nil {
		return fmt.Errorf("pushback invocation %d: %w", inv.ID, err)
	}
	if inv.Exhausted {
		metrics.Invocation(inv.TaskName, "exhausted")
		l.Error().Err(runErr).Int("retry_count", inv.RetryCount).Msg("task failed, retries exhausted")
		return nil
	}
	metrics.Invocation(inv.TaskName, "retry")
	l.Warn().Err(runErr).Int("retry_count", inv.RetryCount).Msg("task failed, pushed back")
	return nil
}

// run calls the task, turning a panic into an error.
func (e *Engine) run(ctx context.Context, inv *domain.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("task", inv.TaskName).Bytes("stack", debug.Stack()).Msg("task panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.runner.Run(ctx, inv.TaskName, inv.Payload)
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}
