// Package task implements the background-task primitive shared by the
// engine's long-lived loops — the journal copier, the cleanup worker,
// and the checkpoint proposer; there is no separate journal-flusher
// loop — each a cooperative
// loop with a configurable poll interval, a kick-to-wake notification,
// and graceful stop/crash semantics (spec §5, §9).
//
// The loop shape generalizes the ticker-plus-stopCh pattern shared by
// pkg/scheduler.Scheduler and pkg/reconciler.Reconciler into one type
// parameterized by a RunOnce function, rather than duplicating the loop
// once per task kind.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Result reports the outcome of one RunOnce invocation.
type Result struct {
	Err  error
	Idle bool // true if there was no work to do this cycle
}

// RunOnce performs one unit of a background task's work.
type RunOnce func(ctx context.Context) Result

// Task is a cooperative background loop: it wakes on its poll interval
// or when Kick is called, runs RunOnce once, and repeats until Stop is
// called.
type Task struct {
	name         string
	pollInterval time.Duration
	runOnce      RunOnce
	logger       zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	kickCh   chan struct{}
	doneCh   chan struct{}
	lastErr  error
	runCount int64
}

// New returns a Task that calls runOnce at least once per pollInterval,
// or sooner whenever Kick is called.
func New(name string, pollInterval time.Duration, logger zerolog.Logger, runOnce RunOnce) *Task {
	return &Task{
		name:         name,
		pollInterval: pollInterval,
		runOnce:      runOnce,
		logger:       logger.With().Str("task", name).Logger(),
		kickCh:       make(chan struct{}, 1),
	}
}

// Start launches the task's loop in a new goroutine. Calling Start on
// an already-running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.loop(ctx)
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	t.logger.Info().Msg("background task started")
	for {
		select {
		case <-ticker.C:
			t.runAndRecord(ctx)
		case <-t.kickCh:
			t.runAndRecord(ctx)
		case <-ctx.Done():
			t.logger.Info().Msg("background task stopping: context canceled")
			return
		case <-t.stopCh:
			t.logger.Info().Msg("background task stopped")
			return
		}
	}
}

func (t *Task) runAndRecord(ctx context.Context) {
	result := t.safeRun(ctx)
	t.mu.Lock()
	t.lastErr = result.Err
	t.runCount++
	t.mu.Unlock()
	if result.Err != nil {
		t.logger.Error().Err(result.Err).Msg("background task cycle failed")
	}
}

// safeRun recovers a panicking RunOnce into an error result so one bad
// cycle cannot take down the loop goroutine — a crash in a single
// cycle must not starve subsequent cycles of the same task.
func (t *Task) safeRun(ctx context.Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("background task cycle panicked")
			result = Result{Err: panicError{r}}
		}
	}()
	return t.runOnce(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "task panicked" }

// Kick requests an out-of-band cycle as soon as the loop is free to run
// one, without waiting for the next poll interval. Non-blocking: if a
// kick is already pending, this is a no-op.
func (t *Task) Kick() {
	select {
	case t.kickCh <- struct{}{}:
	default:
	}
}

// Stop signals the loop to exit and blocks until it has.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	close(t.stopCh)
	done := t.doneCh
	t.running = false
	t.mu.Unlock()
	<-done
}

// LastError returns the error from the most recently completed cycle,
// or nil if the last cycle succeeded (or none has run yet).
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// RunCount returns how many cycles have completed so far.
func (t *Task) RunCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCount
}
