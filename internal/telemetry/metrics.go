package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the instruments shared across the engine, executor, and
// finalizer components.
type Metrics struct {
	StepAttempts           metric.Int64Counter
	StepRetries            metric.Int64Counter
	StepFailures           metric.Int64Counter
	ReenqueueCount         metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	BatchDuration          metric.Float64Histogram
}

// InitMetrics sets up a global OTLP metrics exporter (push). On failure it
// logs a warning and returns instruments backed by the default (no-op until
// a provider is set) meter so callers never nil-check.
func InitMetrics(ctx context.Context, component string) (shutdown func(context.Context) error, promHandler any, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(component),
		attribute.String("component", component),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, nil, createCommonInstruments()
}

// NewNoop returns a Metrics backed by whatever global MeterProvider is
// currently set (the OpenTelemetry no-op provider if InitMetrics was never
// called), for components and tests that need a Metrics value without
// running exporter setup.
func NewNoop() Metrics {
	return createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("workflowengine")
	attempts, _ := meter.Int64Counter("workflowengine_step_attempts_total")
	retries, _ := meter.Int64Counter("workflowengine_step_retries_total")
	failures, _ := meter.Int64Counter("workflowengine_step_failures_total")
	reenqueue, _ := meter.Int64Counter("workflowengine_reenqueue_total")
	circuit, _ := meter.Int64Counter("workflowengine_circuit_open_total")
	batchDuration, _ := meter.Float64Histogram("workflowengine_batch_duration_ms")
	return Metrics{
		StepAttempts:           attempts,
		StepRetries:            retries,
		StepFailures:           failures,
		ReenqueueCount:         reenqueue,
		CircuitOpenTransitions: circuit,
		BatchDuration:          batchDuration,
	}
}
