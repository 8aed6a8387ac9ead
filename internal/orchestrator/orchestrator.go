// Package orchestrator drains the job outbox, hands work to the in-process
// worker pool and recovers jobs stranded by crashed workers. Multiple
// instances can poll the same outbox; the atomic claim keeps them from
// stepping on each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/outbox"
)

// Config tunes the claim loop and reaper.
type Config struct {
	PollInterval   time.Duration
	ClaimBatch     int
	ReaperInterval time.Duration
	StaleAfter     time.Duration
}

// DefaultConfig matches the deployment defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		ClaimBatch:     10,
		ReaperInterval: 60 * time.Second,
		StaleAfter:     5 * time.Minute,
	}
}

// Orchestrator owns the poll and reaper loops.
type Orchestrator struct {
	repo     *outbox.Repository
	queue    *TaskQueue
	handlers *Handlers
	cfg      Config
	log      zerolog.Logger

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates an orchestrator over the given outbox and worker pool.
func New(repo *outbox.Repository, queue *TaskQueue, handlers *Handlers, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 60 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Orchestrator{
		repo:     repo,
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Start launches the claim loop and the reaper. Call Stop to shut down.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.stopped = make(chan struct{})

	go func() {
		defer close(o.stopped)
		o.run(ctx)
	}()
}

// Stop halts both loops and waits for them to exit. In-flight worker tasks
// are owned by the task queue and drained by its own Stop.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.stopped
}

func (o *Orchestrator) run(ctx context.Context) {
	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(o.cfg.ReaperInterval)
	defer reap.Stop()

	// One pass before the first tick so restarts pick up backlog immediately.
	o.DrainOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			o.DrainOnce()
		case <-reap.C:
			o.ReapOnce()
		}
	}
}

// DrainOnce claims one batch of due entries and dispatches them. Exported for
// tests and for the synchronous development mode.
func (o *Orchestrator) DrainOnce() {
	entries, err := o.repo.Claim(o.cfg.ClaimBatch)
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to claim outbox entries")
		return
	}

	for _, e := range entries {
		o.dispatch(e)
	}
}

// dispatch submits one claimed entry to the worker pool. The entry stays
// processing until its handler settles it, so a crash while the job is queued
// or running leaves a processing row the reaper can recover. Duplicate
// submission (same idempotency key already in flight) is treated as success:
// the running task settles the same row.
func (o *Orchestrator) dispatch(e *outbox.Entry) {
	entry := e
	accepted := o.queue.Submit(Task{
		Key: entry.IdempotencyKey,
		Run: func() { o.execute(entry) },
	})

	if !accepted {
		o.log.Debug().Str("key", entry.IdempotencyKey).Msg("Entry already in flight")
	}
}

// execute runs the handler on a worker and settles the entry's fate: success
// marks it enqueued, permanent errors terminate it, transient ones (including
// a panicking handler) reschedule with backoff.
func (o *Orchestrator) execute(e *outbox.Entry) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("kind", string(e.Kind)).
				Str("key", e.IdempotencyKey).
				Interface("panic", r).
				Msg("Handler panicked")
			o.settleFailure(e, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	err := o.handlers.Handle(e)
	if err == nil {
		// Recorded only after the stage's effects are durable; until here the
		// entry is processing and a crash is recoverable.
		if mkErr := o.repo.MarkEnqueued(e.ID); mkErr != nil {
			o.log.Error().Err(mkErr).Str("entry_id", e.ID).Msg("Failed to mark entry enqueued")
		}
		return
	}
	o.settleFailure(e, err)
}

func (o *Orchestrator) settleFailure(e *outbox.Entry, err error) {
	if isPermanent(err) {
		o.log.Warn().Err(err).
			Str("kind", string(e.Kind)).
			Str("key", e.IdempotencyKey).
			Msg("Job failed permanently")
		if mfErr := o.repo.MarkFailed(e.ID, err); mfErr != nil {
			o.log.Error().Err(mfErr).Str("entry_id", e.ID).Msg("Failed to mark entry failed")
		}
		return
	}

	exhausted, rsErr := o.repo.Reschedule(e.ID, err)
	if rsErr != nil {
		o.log.Error().Err(rsErr).Str("entry_id", e.ID).Msg("Failed to reschedule entry")
		return
	}
	if exhausted {
		o.log.Error().Err(err).
			Str("kind", string(e.Kind)).
			Str("key", e.IdempotencyKey).
			Int("attempts", e.Attempts).
			Msg("Job exhausted its attempt budget")
		o.failSessionsFor(e, err)
		return
	}
	o.log.Warn().Err(err).
		Str("kind", string(e.Kind)).
		Str("key", e.IdempotencyKey).
		Msg("Job failed, rescheduled with backoff")
}

// failSessionsFor marks the sessions behind an exhausted entry as FAILED so
// they do not sit in a non-terminal status forever.
func (o *Orchestrator) failSessionsFor(e *outbox.Entry, cause error) {
	reason := "retries exhausted: " + cause.Error()
	if err := o.handlers.failFor(e, reason); err != nil {
		o.log.Error().Err(err).Str("entry_id", e.ID).Msg("Failed to fail sessions for exhausted entry")
	}
}

// ReapOnce resets stale processing entries. Exported for tests.
func (o *Orchestrator) ReapOnce() {
	n, err := o.repo.ReapStale(o.cfg.StaleAfter)
	if err != nil {
		o.log.Error().Err(err).Msg("Reaper pass failed")
		return
	}
	if n > 0 {
		o.log.Warn().Int("reset", n).Msg("Reaper returned stale jobs to pending")
	}
}

// isPermanent reports whether retrying cannot change the outcome. Solver
// errors are deliberately absent: they are numerical flukes retried up to the
// attempt budget, and exhaustion fails the session with the solver's reason.
func isPermanent(err error) bool {
	var validationErr *domain.ValidationError
	var infeasibleErr *domain.InfeasibleError
	return errors.As(err, &validationErr) ||
		errors.As(err, &infeasibleErr)
}
