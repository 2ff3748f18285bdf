// Package worker implements the Worker Engine of §4.7: a single
// cooperative driver loop that claims tasks, spawns their execution
// under a bounded concurrency gate and rate limiter, classifies errors,
// and drives retries. Grounded directly in the teacher's
// internal/jobs/worker.go: the worker() goroutine's claim-then-spawn
// loop, isRetryableError/isBlockingError (classification by substring),
// handleTaskError/handleTaskSuccess (terminal-state writes plus retry
// bookkeeping), and Stop() (stopCh close + wg.Wait()). The teacher's
// per-worker channel pool and job-level auto-scaling are dropped: the
// specification models one logical driver spawning independent execution
// goroutines, not a fixed pool of worker goroutines each polling
// independently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/tem/internal/gate"
	"github.com/Harvey-AU/tem/internal/interrupt"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/observability"
	"github.com/Harvey-AU/tem/internal/ratelimit"
	"github.com/Harvey-AU/tem/internal/task"
)

// Handler transforms a task's payload into a result, or returns an error.
// Returning a *NonRetryableError short-circuits the retry logic (§6
// "handler contract").
type Handler func(ctx *TaskContext, payload []byte) ([]byte, error)

// NonRetryableError is the "non-retryable marker" of the glossary: a
// distinguished error shape that suppresses retry behaviour regardless of
// the task's remaining attempt budget.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err as a non-retryable marker.
func NonRetryable(err error) error {
	return &NonRetryableError{Err: err}
}

// TaskContext is exposed to handlers: task identity, attempt count, a
// cooperative cancellation signal, and an advisory deadline.
type TaskContext struct {
	Context  context.Context
	TaskID   string
	BatchID  string
	Type     string
	Attempt  int
	Deadline *time.Time
}

// Done returns a channel closed when the engine's cancellation token
// fires. Handlers that accept cooperative cancellation should select on
// it; the engine does not forcibly terminate handlers (§4.7 deadline
// semantics).
func (c *TaskContext) Done() <-chan struct{} {
	return c.Context.Done()
}

// Config configures an Engine.
type Config struct {
	BatchID       string // optional restriction to a single batch
	PollInterval  time.Duration
	RateLimiter   *ratelimit.Limiter // optional
	TaskTimeoutMs int64              // 0 disables the advisory per-task deadline
}

// Engine is the Worker Engine of §4.7.
type Engine struct {
	cfg        Config
	tasks      *task.Service
	gate       *gate.Gate
	controller *interrupt.Controller

	handlers map[string]Handler

	running    atomic.Bool
	cancelled  atomic.Bool
	stopOnce   sync.Once
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	countersMu sync.Mutex
	counters   model.WorkerCounters
}

// New constructs a Worker Engine. gate must be non-nil; controller and
// cfg.RateLimiter may be nil to disable those features.
func New(cfg Config, tasks *task.Service, g *gate.Gate, controller *interrupt.Controller) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		tasks:      tasks,
		gate:       g,
		controller: controller,
		handlers:   make(map[string]Handler),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
}

// RegisterHandler binds a handler to a task type. Registration is
// write-before-start: callers must register every handler before Start.
func (e *Engine) RegisterHandler(taskType string, h Handler) {
	e.handlers[taskType] = h
}

// Start begins the driver loop in a background goroutine and returns
// immediately.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	go e.runLoop(ctx)
}

func (e *Engine) runLoop(ctx context.Context) {
	for e.running.Load() {
		gateStart := time.Now()
		e.gate.Acquire()
		observability.RecordGateWait(ctx, time.Since(gateStart))

		if !e.running.Load() {
			e.gate.Release()
			return
		}

		if e.cfg.BatchID != "" && e.controller != nil {
			active, err := e.controller.IsBatchActive(ctx, e.cfg.BatchID)
			if err != nil {
				log.Error().Err(err).Str("batch_id", e.cfg.BatchID).Msg("failed checking batch active state")
			}
			if err == nil && !active {
				e.gate.Release()
				e.Stop()
				return
			}
		}

		t, err := e.tasks.Claim(ctx, e.cfg.BatchID)
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			e.gate.Release()
			time.Sleep(e.cfg.PollInterval)
			continue
		}
		if t == nil {
			e.gate.Release()
			if e.running.Load() {
				time.Sleep(e.cfg.PollInterval)
			}
			continue
		}

		e.wg.Add(1)
		observability.RecordInFlightDelta(ctx, 1)
		go e.execute(ctx, t)
	}
}

func (e *Engine) execute(ctx context.Context, t *model.Task) {
	defer e.gate.Release()
	defer e.wg.Done()
	defer func() { observability.RecordInFlightDelta(ctx, -1) }()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in task handler: %v", r)
			sentry.CaptureException(err)
			log.Error().Interface("panic", r).Str("task_id", t.ID).Msg("recovered panic in task execution")
			e.handleError(ctx, t, err, 0)
		}
	}()

	start := time.Now()
	spanCtx, span := observability.StartTaskSpan(ctx, t.ID, derefBatchID(t.BatchID), t.Type)
	defer span.End()

	if e.cfg.RateLimiter != nil {
		waitStart := time.Now()
		if err := e.cfg.RateLimiter.Acquire(spanCtx); err != nil {
			e.handleError(ctx, t, err, time.Since(start).Milliseconds())
			return
		}
		observability.RecordLimiterWait(ctx, time.Since(waitStart))
	}

	handler, ok := e.handlers[t.Type]
	if !ok {
		e.handleError(ctx, t, NonRetryable(fmt.Errorf("no handler registered for task type %q", t.Type)), time.Since(start).Milliseconds())
		return
	}

	tc := &TaskContext{
		Context: e.cancelCtx,
		TaskID:  t.ID,
		BatchID: derefBatchID(t.BatchID),
		Type:    t.Type,
		Attempt: t.Attempt,
	}
	if e.cfg.TaskTimeoutMs > 0 {
		d := start.Add(time.Duration(e.cfg.TaskTimeoutMs) * time.Millisecond)
		tc.Deadline = &d
	}

	result, err := handler(tc, t.Payload)
	runtimeMs := time.Since(start).Milliseconds()

	if err != nil {
		e.handleError(ctx, t, err, runtimeMs)
		observability.RecordTaskOutcome(ctx, t.Type, "failed", time.Since(start))
		return
	}

	if cErr := e.tasks.Complete(ctx, t.ID, result); cErr != nil {
		log.Error().Err(cErr).Str("task_id", t.ID).Msg("failed to write completed state")
	}
	e.resetConsecutiveFailures()
	observability.RecordTaskOutcome(ctx, t.Type, "completed", time.Since(start))
}

// isRateLimitError matches §4.7's rate-limit classifier.
func isRateLimitError(msg string) bool {
	l := strings.ToLower(msg)
	return strings.Contains(l, "429") || strings.Contains(l, "rate limit")
}

// isConcurrencyError matches §4.7's concurrency-pressure classifier.
func isConcurrencyError(msg string) bool {
	l := strings.ToLower(msg)
	return strings.Contains(l, "502") || strings.Contains(l, "503") ||
		strings.Contains(l, "bad gateway") || strings.Contains(l, "service unavailable")
}

func (e *Engine) handleError(ctx context.Context, t *model.Task, taskErr error, runtimeMs int64) {
	var nonRetryable *NonRetryableError
	retryable := !errors.As(taskErr, &nonRetryable)

	shouldRetry := retryable && t.Attempt < t.MaxAttempt
	msg := taskErr.Error()

	e.countersMu.Lock()
	if isRateLimitError(msg) {
		e.counters.RateLimitHits++
	}
	if isConcurrencyError(msg) {
		e.counters.ConcurrencyErrors++
	}
	e.counters.CurrentTaskRuntimeMs = runtimeMs
	e.counters.ConsecutiveFailures++
	counters := e.counters
	e.countersMu.Unlock()

	if shouldRetry {
		observability.RecordRetry(ctx, t.Type, classifyReason(msg))
		if err := e.tasks.Retry(ctx, t.ID, msg); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to write retry state")
		}
		return
	}

	observability.RecordFailure(ctx, t.Type, classifyReason(msg))
	if err := e.tasks.Fail(ctx, t.ID, msg); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to write failed state")
	}

	if t.BatchID == nil || e.controller == nil {
		return
	}

	interrupted, err := e.controller.CheckAndInterruptIfNeeded(ctx, *t.BatchID, counters)
	if err != nil {
		log.Error().Err(err).Str("batch_id", *t.BatchID).Msg("interruption check failed")
		return
	}
	if interrupted {
		// Stop awaits every in-flight execution, including this one; run it
		// in its own goroutine so the deferred wg.Done() for the current
		// task can still fire instead of deadlocking against itself.
		go e.Stop()
	}
}

func (e *Engine) resetConsecutiveFailures() {
	e.countersMu.Lock()
	e.counters.ConsecutiveFailures = 0
	e.countersMu.Unlock()
}

func classifyReason(msg string) string {
	switch {
	case isRateLimitError(msg):
		return "rate_limit"
	case isConcurrencyError(msg):
		return "concurrency"
	default:
		return "generic"
	}
}

// Stop cooperatively shuts the engine down: clears the running flag,
// signals the cancellation token, and awaits every in-flight execution's
// terminal Store write. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		e.cancelled.Store(true)
		e.cancelFunc()
	})
	e.wg.Wait()
}

// Counters returns a snapshot of the engine-owned failure counters.
func (e *Engine) Counters() model.WorkerCounters {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	return e.counters
}

func derefBatchID(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
