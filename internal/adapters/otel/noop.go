package otel

import (
	"context"

	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// NoOpExporter is a metrics exporter that does nothing.
type NoOpExporter struct{}

// NewNoOpExporter creates a new no-op exporter for graceful degradation.
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (e *NoOpExporter) ExportDecision(context.Context, *ports.DecisionEvent) error { return nil }

func (e *NoOpExporter) ExportOutcome(context.Context, *ports.OutcomeEvent) error { return nil }

func (e *NoOpExporter) ExportLock(context.Context, *ports.LockEvent) error { return nil }

func (e *NoOpExporter) Close(context.Context) error { return nil }

// NewFromConfig returns an OTLP exporter when telemetry is enabled and
// reachable, otherwise a no-op exporter together with the setup error.
func NewFromConfig(ctx context.Context, cfg Config) (ports.MetricsExporter, error) {
	if !cfg.Enabled {
		return NewNoOpExporter(), nil
	}
	exp, err := NewExporter(ctx, cfg)
	if err != nil {
		return NewNoOpExporter(), err
	}
	return exp, nil
}
