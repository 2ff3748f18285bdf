// Package tem implements the Facade of §4.8: it binds the Store, Batch
// Service, Task Service, Interruption Controller, and Worker Engine into
// a single object, owning the Store handle. Grounded in cmd/app/main.go's
// wiring of db.InitFromEnv + jobs.NewWorkerPool and its graceful
// shutdown-on-signal handling.
package tem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/gate"
	"github.com/Harvey-AU/tem/internal/interrupt"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/observability"
	"github.com/Harvey-AU/tem/internal/ratelimit"
	"github.com/Harvey-AU/tem/internal/store"
	"github.com/Harvey-AU/tem/internal/task"
	"github.com/Harvey-AU/tem/internal/worker"
)

// RateLimitConfig configures the Worker Engine's token bucket.
type RateLimitConfig struct {
	Requests int
	WindowMs int64
}

// Config is the facade construction options enumerated in §6, plus the
// optional telemetry setup.
type Config struct {
	DatabasePath                string
	Concurrency                 int
	RateLimit                   *RateLimitConfig
	DefaultMaxAttempts          int
	PollIntervalMs              int64
	BatchID                     string
	DefaultInterruptionCriteria *model.BatchInterruptionCriteria

	// Observability, when non-nil and enabled, initialises the OpenTelemetry
	// providers and the engine's metric instruments. The providers carry no
	// exporters; embedding applications attach their own (see
	// internal/observability).
	Observability *observability.Config
}

// Engine binds every TEM component behind a single handle.
type Engine struct {
	cfg Config

	Store      *store.Store
	Batches    *batch.Service
	Tasks      *task.Service
	Controller *interrupt.Controller
	Worker     *worker.Engine

	// Providers holds the telemetry providers when cfg.Observability is
	// enabled; nil otherwise.
	Providers *observability.Providers

	maintenanceStop chan struct{}
	stopOnce        sync.Once
}

// LoadDotEnv loads a .env file for local development, mirroring the
// teacher's cmd/app/main.go startup. Missing files are not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, continuing with process environment")
	}
}

// New opens the Store at cfg.DatabasePath and constructs every component
// wired according to cfg. The worker is constructed but not started;
// callers register handlers via e.Worker.RegisterHandler before calling
// Start.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("tem: concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = model.DefaultMaxAttempt
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 200
	}

	var providers *observability.Providers
	if cfg.Observability != nil {
		p, err := observability.Init(ctx, *cfg.Observability)
		if err != nil {
			return nil, fmt.Errorf("tem: init observability: %w", err)
		}
		providers = p
	}

	s, err := store.OpenWithRetry(ctx, store.DefaultConfig(cfg.DatabasePath), store.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("tem: open store: %w", err)
	}

	batches := batch.New(s)
	tasks := task.NewWithDefaultMaxAttempt(s, cfg.DefaultMaxAttempts)
	controller := interrupt.New(s, batches, cfg.DefaultInterruptionCriteria)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.New(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond)
	}

	var taskTimeoutMs int64
	if cfg.DefaultInterruptionCriteria != nil && cfg.DefaultInterruptionCriteria.TaskTimeoutMs != nil {
		taskTimeoutMs = *cfg.DefaultInterruptionCriteria.TaskTimeoutMs
	}

	g := gate.New(cfg.Concurrency)
	w := worker.New(worker.Config{
		BatchID:       cfg.BatchID,
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		RateLimiter:   limiter,
		TaskTimeoutMs: taskTimeoutMs,
	}, tasks, g, controller)

	return &Engine{
		cfg:        cfg,
		Store:      s,
		Batches:    batches,
		Tasks:      tasks,
		Controller: controller,
		Worker:     w,
		Providers:  providers,
	}, nil
}

// Start starts the worker loop and a background maintenance loop that
// periodically reconciles stuck batches.
func (e *Engine) Start(ctx context.Context) {
	observability.RecordPoolSize(ctx, e.cfg.Concurrency)
	e.Worker.Start(ctx)
	e.maintenanceStop = make(chan struct{})
	go e.maintenanceLoop(ctx)
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.Batches.ReconcileStuck(ctx); err != nil {
				log.Error().Err(err).Msg("stuck-batch reconciliation failed")
			}
		case <-e.maintenanceStop:
			return
		}
	}
}

// Stop stops the worker (awaiting in-flight executions), closes the
// Store, and flushes the telemetry providers if observability was
// enabled. Idempotent: a second call is a no-op.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.Worker.Stop()
		if e.maintenanceStop != nil {
			close(e.maintenanceStop)
		}
		err = e.Store.Close()
		if e.Providers != nil {
			if shutErr := e.Providers.Shutdown(context.Background()); shutErr != nil {
				log.Error().Err(shutErr).Msg("telemetry provider shutdown failed")
			}
		}
	})
	return err
}

// NewTaskInput mirrors task.CreateInput so callers of the facade do not
// need to import internal/task directly.
type NewTaskInput = task.CreateInput
