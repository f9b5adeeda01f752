// Package telemetry wires OpenTelemetry tracing for ThemisDB, adapted
// from the teacher's otel/init.go. The executor opens a StageSpan for
// every plan node it runs; TxSpan, VectorSearchBatchSpan and CTERowSpan
// are provided as well but have no callers.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is enabled and where spans go.
type Config struct {
	ServiceName string
	Enabled     bool
}

// Provider wraps the SDK tracer provider lifecycle (init → serve → shutdown).
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// Init configures the global tracer provider. When cfg.Enabled is
// false, a no-op tracer is used so instrumentation calls are free.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(cfg.ServiceName), enabled: false}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}, nil
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StageSpan starts a span for one AQL pipeline stage, tagged with the
// plan node kind so a stuck query shows exactly which stage is blocked.
func (p *Provider) StageSpan(ctx context.Context, nodeKind string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "aql.stage", trace.WithAttributes(attribute.String("plan.node", nodeKind)))
}

// TxSpan starts a span covering one transaction's lifetime.
func (p *Provider) TxSpan(ctx context.Context, txID string, isolation string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "tx", trace.WithAttributes(
		attribute.String("tx.id", txID),
		attribute.String("tx.isolation", isolation),
	))
}

// VectorSearchBatchSpan starts a span for one HNSW search batch.
func (p *Provider) VectorSearchBatchSpan(ctx context.Context, table, col string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "vector.search_batch", trace.WithAttributes(
		attribute.String("table", table),
		attribute.String("column", col),
	))
}

// CTERowSpan starts a span for materializing one batch of CTE rows.
func (p *Provider) CTERowSpan(ctx context.Context, cteName string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "aql.cte_materialize", trace.WithAttributes(attribute.String("cte.name", cteName)))
}
