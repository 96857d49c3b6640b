package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrInvalidInterval = errors.New("interval must be at least one second")

// Driver fires callbacks on intervals, cron triggers and fixed dates. Each
// entry runs on its own goroutine; an interval entry that is still running
// when it comes due again is skipped.
type Driver struct {
	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	log     zerolog.Logger
	running bool
}

func NewDriver(loc *time.Location) *Driver {
	if loc == nil {
		loc = time.UTC
	}
	l := log.With().Str("component", "scheduler").Logger()
	return &Driver{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{l})),
		),
		loc: loc,
		log: l,
	}
}

// Every runs fn every d, skipping a firing while the previous one is still
// in progress.
func (d *Driver) Every(name string, every time.Duration, fn func()) (cron.EntryID, error) {
	if every < time.Second {
		return 0, ErrInvalidInterval
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{d.log.With().Str("entry", name).Logger()})).Then(cron.FuncJob(fn))
	id := d.c.Schedule(cron.Every(every), job)
	d.log.Debug().Str("entry", name).Dur("every", every).Msg("interval entry added")
	return id, nil
}

func (d *Driver) Cron(name string, trigger CronTrigger, fn func()) (cron.EntryID, error) {
	s, err := trigger.schedule(d.loc)
	if err != nil {
		return 0, fmt.Errorf("cron entry %q: %w", name, err)
	}
	id := d.c.Schedule(s, cron.FuncJob(fn))
	d.log.Debug().Str("entry", name).Str("spec", trigger.Spec()).Msg("cron entry added")
	return id, nil
}

func (d *Driver) At(name string, trigger DateTrigger, fn func()) (cron.EntryID, error) {
	at, err := trigger.at()
	if err != nil {
		return 0, fmt.Errorf("date entry %q: %w", name, err)
	}
	id := d.c.Schedule(&onceSchedule{at: at}, cron.FuncJob(fn))
	d.log.Debug().Str("entry", name).Time("run_date", at).Msg("date entry added")
	return id, nil
}

// Start runs the driver in the background.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.c.Start()
	d.log.Info().Int("entries", len(d.c.Entries())).Str("tz", d.loc.String()).Msg("scheduler started")
}

// Run runs the driver until ctx is done, then waits for running jobs.
func (d *Driver) Run(ctx context.Context) {
	d.Start()
	<-ctx.Done()
	<-d.Stop().Done()
}

// Stop halts the driver. The returned context is done once running jobs
// have finished.
func (d *Driver) Stop() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	ctx := d.c.Stop()
	d.log.Info().Msg("scheduler stopped")
	return ctx
}

func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Entries returns the number of scheduled entries.
func (d *Driver) Entries() int {
	return len(d.c.Entries())
}

func (d *Driver) Location() *time.Location { return d.loc }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
