// Package synclog records synchronization sessions between counters and the
// server: one row per session, opened on start and closed with the transfer
// statistics.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	apperrors "repserver/internal/errors"
	"repserver/internal/store"
)

// Log persists sync sessions.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewLog creates the sync session log.
func NewLog(db *gorm.DB, logger *slog.Logger) *Log {
	return &Log{db: db, logger: logger.With(slog.String("component", "sync_log"))}
}

// Start opens a session for the counter. Unknown sync types and directions
// fall back to the defaults rather than failing the device.
func (l *Log) Start(ctx context.Context, businessID, counterID, syncType, direction string) (*store.SyncLog, error) {
	if !validSyncType(syncType) {
		syncType = store.SyncTypeIncremental
	}
	if !validDirection(direction) {
		direction = store.SyncDirectionUpload
	}

	entry := store.SyncLog{
		BusinessID:    businessID,
		CounterID:     counterID,
		SyncType:      syncType,
		SyncDirection: direction,
		Status:        store.SyncStatusStarted,
		StartedAt:     time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to open sync session: %w", err)
	}

	l.logger.InfoContext(ctx, "sync session started",
		slog.String("sync_id", entry.ID),
		slog.String("counter_id", counterID),
		slog.String("sync_type", syncType),
	)
	return &entry, nil
}

// Stats carries the transfer counters reported on completion.
type Stats struct {
	RecordsUploaded   int
	RecordsDownloaded int
	ConflictsDetected int
	ConflictsResolved int
	Details           store.JSONMap
}

// Complete closes a session: records the stats, the final status, the wall
// clock duration, and stamps the counter's last_sync_at.
func (l *Log) Complete(ctx context.Context, businessID, syncID string, stats Stats, status, errorMessage string) (*store.SyncLog, error) {
	var entry store.SyncLog
	err := l.db.WithContext(ctx).
		Where("id = ? AND business_id = ?", syncID, businessID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync session: %w", err)
	}

	if !validFinalStatus(status) {
		status = store.SyncStatusCompleted
	}

	now := time.Now().UTC()
	duration := now.Sub(entry.StartedAt).Seconds()

	entry.RecordsUploaded = stats.RecordsUploaded
	entry.RecordsDownloaded = stats.RecordsDownloaded
	entry.ConflictsDetected = stats.ConflictsDetected
	entry.ConflictsResolved = stats.ConflictsResolved
	entry.Details = stats.Details
	entry.Status = status
	entry.ErrorMessage = errorMessage
	entry.CompletedAt = &now
	entry.DurationSeconds = &duration

	if err := l.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to close sync session: %w", err)
	}

	if err := l.db.WithContext(ctx).Model(&store.Counter{}).
		Where("id = ?", entry.CounterID).
		Update("last_sync_at", now).Error; err != nil {
		return nil, fmt.Errorf("failed to stamp counter sync time: %w", err)
	}

	l.logger.InfoContext(ctx, "sync session completed",
		slog.String("sync_id", entry.ID),
		slog.String("status", status),
		slog.Float64("duration_seconds", duration),
	)
	return &entry, nil
}

// History lists a business's sessions newest-first, optionally filtered to
// one counter.
func (l *Log) History(ctx context.Context, businessID, counterID string, limit int) ([]store.SyncLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := l.db.WithContext(ctx).
		Where("business_id = ?", businessID).
		Order("started_at DESC").
		Limit(limit)
	if counterID != "" {
		q = q.Where("counter_id = ?", counterID)
	}

	var entries []store.SyncLog
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync sessions: %w", err)
	}
	return entries, nil
}

func validSyncType(t string) bool {
	switch t {
	case store.SyncTypeFull, store.SyncTypeIncremental, store.SyncTypeConflictResolution:
		return true
	}
	return false
}

func validDirection(d string) bool {
	switch d {
	case store.SyncDirectionUpload, store.SyncDirectionDownload, store.SyncDirectionBidirectional:
		return true
	}
	return false
}

func validFinalStatus(s string) bool {
	switch s {
	case store.SyncStatusCompleted, store.SyncStatusFailed, store.SyncStatusPartial:
		return true
	}
	return false
}
