package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/penginpenguin/cocrea/internal/llm"
)

// Metrics holds the instruments recorded by sessions and tools.
type Metrics struct {
	tokens       metric.Int64Counter
	loads        metric.Int64Counter
	loadDuration metric.Float64Histogram
	askDuration  metric.Float64Histogram
	toolCalls    metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// meter provider, which is a no-op until InitTelemetry runs.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(ServiceName)
	}

	var m Metrics
	var err error
	if m.tokens, err = meter.Int64Counter("llm.usage.tokens",
		metric.WithDescription("Tokens reported by model runtimes, by kind")); err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	if m.loads, err = meter.Int64Counter("llm.load.count",
		metric.WithDescription("Model loads, by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create load counter: %w", err)
	}
	if m.loadDuration, err = meter.Float64Histogram("llm.load.duration",
		metric.WithDescription("Model load duration in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create load histogram: %w", err)
	}
	if m.askDuration, err = meter.Float64Histogram("llm.ask.duration",
		metric.WithDescription("Ask round-trip duration in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create ask histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter("tool.calls",
		metric.WithDescription("Tool invocations, by tool and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create tool counter: %w", err)
	}
	return &m, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordLoad records one load attempt.
func (m *Metrics) RecordLoad(ctx context.Context, backend string, d time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome(err)),
	)
	m.loads.Add(ctx, 1, attrs)
	m.loadDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordAsk records one ask round trip and the usage it reported.
func (m *Metrics) RecordAsk(ctx context.Context, backend string, d time.Duration, usage *llm.Usage, err error) {
	m.askDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome(err)),
	))
	if usage == nil {
		return
	}
	for kind, n := range map[string]*int{
		"prompt":     usage.PromptTokens,
		"completion": usage.CompletionTokens,
		"total":      usage.TotalTokens,
	} {
		if n == nil {
			continue
		}
		m.tokens.Add(ctx, int64(*n), metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		))
	}
}

// RecordTool records one tool invocation.
func (m *Metrics) RecordTool(ctx context.Context, tool string, err error) {
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome(err)),
	))
}
