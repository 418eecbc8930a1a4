package backup

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for backup ingestion.
type Metrics struct {
	Uploads       metric.Int64Counter
	UploadedBytes metric.Int64Counter
	Deletions     metric.Int64Counter
}

// NewMetrics creates the backup instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("repserver/backup")

	m := &Metrics{}
	var err error

	if m.Uploads, err = meter.Int64Counter("backup_uploads_total",
		metric.WithDescription("Backup upload attempts by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create uploads counter: %w", err)
	}
	if m.UploadedBytes, err = meter.Int64Counter("backup_uploaded_bytes_total",
		metric.WithDescription("Bytes of backup data accepted")); err != nil {
		return nil, fmt.Errorf("failed to create bytes counter: %w", err)
	}
	if m.Deletions, err = meter.Int64Counter("backup_deletions_total",
		metric.WithDescription("Backups deleted, including retention pruning")); err != nil {
		return nil, fmt.Errorf("failed to create deletions counter: %w", err)
	}
	return m, nil
}

// RecordUpload records one ingest attempt.
func (m *Metrics) RecordUpload(ctx context.Context, outcome string, size int64) {
	if m == nil {
		return
	}
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if size > 0 {
		m.UploadedBytes.Add(ctx, size)
	}
}

// RecordDeletions records pruned or deleted backups.
func (m *Metrics) RecordDeletions(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.Deletions.Add(ctx, n)
}
