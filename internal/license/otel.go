package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for license operations.
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Activations        metric.Int64Counter
	Deactivations      metric.Int64Counter
	Renewals           metric.Int64Counter
	TokensMinted       metric.Int64Counter
}

// NewMetrics creates the license instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("repserver/license")

	m := &Metrics{}
	var err error

	if m.Validations, err = meter.Int64Counter("license_validations_total",
		metric.WithDescription("License validation attempts by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}
	if m.ValidationDuration, err = meter.Float64Histogram("license_validation_duration_seconds",
		metric.WithDescription("License validation latency")); err != nil {
		return nil, fmt.Errorf("failed to create validation histogram: %w", err)
	}
	if m.Activations, err = meter.Int64Counter("license_activations_total",
		metric.WithDescription("Activation slots claimed")); err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}
	if m.Deactivations, err = meter.Int64Counter("license_deactivations_total",
		metric.WithDescription("Activation slots released")); err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}
	if m.Renewals, err = meter.Int64Counter("license_renewals_total",
		metric.WithDescription("License renewals")); err != nil {
		return nil, fmt.Errorf("failed to create renewals counter: %w", err)
	}
	if m.TokensMinted, err = meter.Int64Counter("api_tokens_minted_total",
		metric.WithDescription("API tokens minted")); err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}
	return m, nil
}

// RecordValidation records one validation attempt and its latency.
func (m *Metrics) RecordValidation(ctx context.Context, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Validations.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, took.Seconds(), attrs)
}
