package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/emiliopalmerini/mbandit/internal/ports"
)

const (
	serviceName    = "mbandit"
	serviceVersion = "1.0.0"
)

// Exporter exports engine activity to an OTEL Collector.
type Exporter struct {
	provider         *sdkmetric.MeterProvider
	decisionsTotal   metric.Int64Counter
	viewsTotal       metric.Int64Counter
	conversionsTotal metric.Int64Counter
	winnersTotal     metric.Int64Counter
	pValueHist       metric.Float64Histogram
	lockViewsHist    metric.Int64Histogram
}

// NewExporter creates an OTLP/gRPC metrics exporter.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTEL exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return NewExporterWithProvider(provider)
}

// NewExporterWithProvider registers the instruments on an existing provider.
// Close shuts the provider down.
func NewExporterWithProvider(provider *sdkmetric.MeterProvider) (*Exporter, error) {
	meter := provider.Meter(serviceName)

	decisionsTotal, err := meter.Int64Counter(
		"mbandit_decisions_total",
		metric.WithDescription("Arms served, by experiment, strategy, arm and phase"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating decisions counter: %w", err)
	}

	viewsTotal, err := meter.Int64Counter(
		"mbandit_views_total",
		metric.WithDescription("Recorded views per arm"),
		metric.WithUnit("{view}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating views counter: %w", err)
	}

	conversionsTotal, err := meter.Int64Counter(
		"mbandit_conversions_total",
		metric.WithDescription("Recorded conversions per arm"),
		metric.WithUnit("{conversion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversions counter: %w", err)
	}

	winnersTotal, err := meter.Int64Counter(
		"mbandit_winners_total",
		metric.WithDescription("Experiments locked to a winning arm"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating winners counter: %w", err)
	}

	pValueHist, err := meter.Float64Histogram(
		"mbandit_significance_p_value",
		metric.WithDescription("p-value of the test that locked an experiment"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating p-value histogram: %w", err)
	}

	lockViewsHist, err := meter.Int64Histogram(
		"mbandit_views_at_lock",
		metric.WithDescription("Total views when an experiment locked"),
		metric.WithUnit("{view}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating views-at-lock histogram: %w", err)
	}

	return &Exporter{
		provider:         provider,
		decisionsTotal:   decisionsTotal,
		viewsTotal:       viewsTotal,
		conversionsTotal: conversionsTotal,
		winnersTotal:     winnersTotal,
		pValueHist:       pValueHist,
		lockViewsHist:    lockViewsHist,
	}, nil
}

func (e *Exporter) ExportDecision(ctx context.Context, d *ports.DecisionEvent) error {
	e.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment_id", d.ExperimentID),
		attribute.String("flag", d.Flag),
		attribute.String("strategy", string(d.Strategy)),
		attribute.String("arm", d.Arm.String()),
		attribute.String("phase", d.Phase),
	))
	return nil
}

func (e *Exporter) ExportOutcome(ctx context.Context, o *ports.OutcomeEvent) error {
	opt := metric.WithAttributes(
		attribute.String("experiment_id", o.ExperimentID),
		attribute.String("flag", o.Flag),
		attribute.String("arm", o.Arm.String()),
	)

	switch o.Kind {
	case ports.OutcomeView:
		e.viewsTotal.Add(ctx, 1, opt)
	case ports.OutcomeConversion:
		e.conversionsTotal.Add(ctx, 1, opt)
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return nil
}

func (e *Exporter) ExportLock(ctx context.Context, l *ports.LockEvent) error {
	opt := metric.WithAttributes(
		attribute.String("experiment_id", l.ExperimentID),
		attribute.String("flag", l.Flag),
		attribute.String("arm", l.Arm.String()),
	)

	e.winnersTotal.Add(ctx, 1, opt)
	e.pValueHist.Record(ctx, l.PValue, opt)
	e.lockViewsHist.Record(ctx, l.TotalViews, opt)
	return nil
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
