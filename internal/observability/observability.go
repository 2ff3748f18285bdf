// Package observability wires OpenTelemetry tracing and metrics for the
// engine. It mirrors the teacher's init-once/no-op-when-disabled shape but
// drops the OTLP/Prometheus exporters: an embeddable library has no
// standing HTTP server to expose a /metrics endpoint from, so it only
// configures the in-process SDK providers and leaves export to the host
// application.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	engineTracer trace.Tracer

	taskDuration     metric.Float64Histogram
	taskTotal        metric.Int64Counter
	inFlightGauge    metric.Int64UpDownCounter
	gateWaitDuration metric.Float64Histogram
	limiterWait      metric.Float64Histogram
	claimLatency     metric.Float64Histogram
	retryCounter     metric.Int64Counter
	failureCounter   metric.Int64Counter
	interruptCounter metric.Int64Counter
	poolSizeGauge    metric.Int64Gauge
)

// Init configures tracing and metrics providers. When cfg.Enabled is false
// the function is a no-op and returns a nil Providers, matching the
// teacher's "observability is optional" fallback behaviour.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "tem"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		engineTracer = tracerProvider.Tracer("tem/worker")
		_ = initInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("tem/worker")

	var err error
	taskDuration, err = meter.Float64Histogram(
		"tem.task.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to execute a task handler"),
	)
	if err != nil {
		return err
	}

	taskTotal, err = meter.Int64Counter(
		"tem.task.total",
		metric.WithDescription("Counts task outcomes by terminal status"),
	)
	if err != nil {
		return err
	}

	inFlightGauge, err = meter.Int64UpDownCounter(
		"tem.worker.in_flight",
		metric.WithDescription("Current number of in-flight task executions"),
	)
	if err != nil {
		return err
	}

	gateWaitDuration, err = meter.Float64Histogram(
		"tem.gate.wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent waiting for a concurrency gate slot"),
	)
	if err != nil {
		return err
	}

	limiterWait, err = meter.Float64Histogram(
		"tem.ratelimit.wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent waiting for a rate-limit token"),
	)
	if err != nil {
		return err
	}

	claimLatency, err = meter.Float64Histogram(
		"tem.task.claim_latency_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency to claim a task from the store"),
	)
	if err != nil {
		return err
	}

	retryCounter, err = meter.Int64Counter(
		"tem.task.retries_total",
		metric.WithDescription("Number of task retry decisions"),
	)
	if err != nil {
		return err
	}

	failureCounter, err = meter.Int64Counter(
		"tem.task.failures_total",
		metric.WithDescription("Number of terminal task failures"),
	)
	if err != nil {
		return err
	}

	interruptCounter, err = meter.Int64Counter(
		"tem.batch.interruptions_total",
		metric.WithDescription("Number of batch interruptions by reason"),
	)
	if err != nil {
		return err
	}

	poolSizeGauge, err = meter.Int64Gauge(
		"tem.worker.pool_size",
		metric.WithDescription("Configured concurrency gate capacity"),
	)
	return err
}

// StartTaskSpan starts a span for an individual task execution.
func StartTaskSpan(ctx context.Context, taskID, batchID, taskType string) (context.Context, trace.Span) {
	t := engineTracer
	if t == nil {
		t = otel.Tracer("tem/worker")
	}

	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("batch.id", batchID),
		attribute.String("task.type", taskType),
	}

	return t.Start(ctx, "worker.execute_task", trace.WithAttributes(attrs...))
}

// RecordTaskOutcome emits duration and outcome-count metrics for a finished task.
func RecordTaskOutcome(ctx context.Context, taskType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("task.type", taskType), attribute.String("task.status", status))
	if taskDuration != nil {
		taskDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if taskTotal != nil {
		taskTotal.Add(ctx, 1, attrs)
	}
}

// RecordInFlightDelta adjusts the in-flight execution gauge.
func RecordInFlightDelta(ctx context.Context, delta int64) {
	if inFlightGauge != nil {
		inFlightGauge.Add(ctx, delta)
	}
}

// RecordGateWait records time spent blocked on the concurrency gate.
func RecordGateWait(ctx context.Context, d time.Duration) {
	if gateWaitDuration != nil {
		gateWaitDuration.Record(ctx, float64(d.Milliseconds()))
	}
}

// RecordLimiterWait records time spent blocked on the rate limiter.
func RecordLimiterWait(ctx context.Context, d time.Duration) {
	if limiterWait != nil {
		limiterWait.Record(ctx, float64(d.Milliseconds()))
	}
}

// RecordClaimAttempt records the latency of a claim call.
func RecordClaimAttempt(ctx context.Context, status string, latency time.Duration) {
	if claimLatency != nil {
		claimLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attribute.String("claim.status", status)))
	}
}

// RecordRetry records a retry decision for a task.
func RecordRetry(ctx context.Context, taskType, reason string) {
	if retryCounter != nil {
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", taskType), attribute.String("retry.reason", reason)))
	}
}

// RecordFailure records a terminal task failure.
func RecordFailure(ctx context.Context, taskType, reason string) {
	if failureCounter != nil {
		failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", taskType), attribute.String("failure.reason", reason)))
	}
}

// RecordInterruption records a batch interruption by reason.
func RecordInterruption(ctx context.Context, reason string) {
	if interruptCounter != nil {
		interruptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("interrupt.reason", reason)))
	}
}

// RecordPoolSize records the configured concurrency gate capacity.
func RecordPoolSize(ctx context.Context, size int) {
	if poolSizeGauge != nil {
		poolSizeGauge.Record(ctx, int64(size))
	}
}
