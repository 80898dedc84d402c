package telemetry

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, _, m := InitMetrics(ctx, "test-component")
	// Instruments must be usable even when no collector is reachable.
	m.StepAttempts.Add(ctx, 1)
	m.CircuitOpenTransitions.Add(ctx, 1)
	_ = shutdown(ctx)
}
