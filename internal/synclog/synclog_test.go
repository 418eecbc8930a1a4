package synclog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "repserver/internal/errors"
	"repserver/internal/store"
)

func newTestLog(t *testing.T) (*Log, *gorm.DB, *store.Business, *store.Counter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	biz := store.Business{LicenseID: "lic-1", Name: "Acme"}
	require.NoError(t, db.Create(&biz).Error)
	counter := store.Counter{
		BusinessID:   biz.ID,
		ActivationID: "act-1",
		Name:         "Counter 1",
		Status:       store.CounterStatusActive,
		SyncEnabled:  true,
	}
	require.NoError(t, db.Create(&counter).Error)

	log := NewLog(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return log, db, &biz, &counter
}

func TestStartDefaults(t *testing.T) {
	log, _, biz, counter := newTestLog(t)

	entry, err := log.Start(context.Background(), biz.ID, counter.ID, "bogus", "sideways")
	require.NoError(t, err)
	assert.Equal(t, store.SyncTypeIncremental, entry.SyncType)
	assert.Equal(t, store.SyncDirectionUpload, entry.SyncDirection)
	assert.Equal(t, store.SyncStatusStarted, entry.Status)
	assert.False(t, entry.StartedAt.IsZero())
	assert.Nil(t, entry.CompletedAt)
}

func TestCompleteRecordsStatsAndDuration(t *testing.T) {
	log, db, biz, counter := newTestLog(t)
	ctx := context.Background()

	entry, err := log.Start(ctx, biz.ID, counter.ID, store.SyncTypeFull, store.SyncDirectionBidirectional)
	require.NoError(t, err)

	// Backdate the start so the duration is measurable.
	started := time.Now().UTC().Add(-90 * time.Second)
	require.NoError(t, db.Model(entry).Update("started_at", started).Error)

	closed, err := log.Complete(ctx, biz.ID, entry.ID, Stats{
		RecordsUploaded:   120,
		RecordsDownloaded: 15,
		ConflictsDetected: 2,
		ConflictsResolved: 2,
		Details:           store.JSONMap{"tables": []any{"sales", "inventory"}},
	}, store.SyncStatusCompleted, "")
	require.NoError(t, err)

	assert.Equal(t, 120, closed.RecordsUploaded)
	assert.Equal(t, 15, closed.RecordsDownloaded)
	assert.Equal(t, store.SyncStatusCompleted, closed.Status)
	require.NotNil(t, closed.CompletedAt)
	require.NotNil(t, closed.DurationSeconds)
	assert.InDelta(t, 90, *closed.DurationSeconds, 5)

	var fresh store.Counter
	require.NoError(t, db.First(&fresh, "id = ?", counter.ID).Error)
	require.NotNil(t, fresh.LastSyncAt)
}

func TestCompleteFailure(t *testing.T) {
	log, _, biz, counter := newTestLog(t)
	ctx := context.Background()

	entry, err := log.Start(ctx, biz.ID, counter.ID, store.SyncTypeIncremental, store.SyncDirectionUpload)
	require.NoError(t, err)

	closed, err := log.Complete(ctx, biz.ID, entry.ID, Stats{}, store.SyncStatusFailed, "device went offline")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusFailed, closed.Status)
	assert.Equal(t, "device went offline", closed.ErrorMessage)
}

func TestCompleteUnknownSession(t *testing.T) {
	log, _, biz, _ := newTestLog(t)
	_, err := log.Complete(context.Background(), biz.ID, "missing", Stats{}, store.SyncStatusCompleted, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCompleteWrongBusiness(t *testing.T) {
	log, _, biz, counter := newTestLog(t)
	ctx := context.Background()

	entry, err := log.Start(ctx, biz.ID, counter.ID, store.SyncTypeIncremental, store.SyncDirectionUpload)
	require.NoError(t, err)

	_, err = log.Complete(ctx, "other-business", entry.ID, Stats{}, store.SyncStatusCompleted, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestHistoryNewestFirstAndFiltered(t *testing.T) {
	log, db, biz, counter := newTestLog(t)
	ctx := context.Background()

	other := store.Counter{
		BusinessID:   biz.ID,
		ActivationID: "act-2",
		Name:         "Counter 2",
		Status:       store.CounterStatusActive,
	}
	require.NoError(t, db.Create(&other).Error)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		cid := counter.ID
		if i%2 == 1 {
			cid = other.ID
		}
		entry, err := log.Start(ctx, biz.ID, cid, store.SyncTypeIncremental, store.SyncDirectionUpload)
		require.NoError(t, err)
		require.NoError(t, db.Model(entry).
			Update("started_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	all, err := log.History(ctx, biz.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].StartedAt.After(all[i-1].StartedAt), "history must be newest-first")
	}

	filtered, err := log.History(ctx, biz.ID, counter.ID, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 3)
	for _, e := range filtered {
		assert.Equal(t, counter.ID, e.CounterID)
	}

	limited, err := log.History(ctx, biz.ID, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestHistoryEmpty(t *testing.T) {
	log, _, _, _ := newTestLog(t)
	entries, err := log.History(context.Background(), fmt.Sprintf("biz-%d", 404), "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
