package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

const meterName = "dental-outreach"

// Metrics holds the counters shared by every worker. A nil *Metrics records nothing.
type Metrics struct {
	errors      metric.Int64Counter
	transitions metric.Int64Counter
	dispatches  metric.Int64Counter
	enrichments metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter registers the counters on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	errs, err := meter.Int64Counter("outreach.errors", metric.WithDescription("Errors by taxonomy kind"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("outreach.transitions", metric.WithDescription("Committed lead transitions by result"))
	if err != nil {
		return nil, err
	}
	dispatches, err := meter.Int64Counter("outreach.dispatches", metric.WithDescription("Dispatch attempts by outcome"))
	if err != nil {
		return nil, err
	}
	enrichments, err := meter.Int64Counter("outreach.enrichments", metric.WithDescription("Call record polls by outcome"))
	if err != nil {
		return nil, err
	}
	return &Metrics{errors: errs, transitions: transitions, dispatches: dispatches, enrichments: enrichments}, nil
}

// Error counts err under its taxonomy kind.
func (m *Metrics) Error(ctx context.Context, component string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", apperrors.KindOf(err)),
		attribute.String("component", component),
	))
}

func (m *Metrics) Transition(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) Dispatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Enrichment(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.enrichments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
