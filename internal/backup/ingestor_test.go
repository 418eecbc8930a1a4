package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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

const testMaxUpload = 2 << 20

func newTestIngestor(t *testing.T) (*Ingestor, *gorm.DB, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngestor(db, dir, testMaxUpload, nil, log), db, dir
}

func randomBlob(t *testing.T, n int) ([]byte, string) {
	t.Helper()
	blob := make([]byte, n)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	sum := sha256.Sum256(blob)
	return blob, hex.EncodeToString(sum[:])
}

func TestIngestRoundTrip(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	ctx := context.Background()

	counter := store.Counter{BusinessID: "biz-1", ActivationID: "act-1", Name: "Counter 1"}
	require.NoError(t, db.Create(&counter).Error)

	blob, checksum := randomBlob(t, 1048576)
	row, err := ing.Ingest(ctx, IngestArgs{
		BusinessID:   "biz-1",
		CounterID:    &counter.ID,
		CounterName:  counter.Name,
		Body:         bytes.NewReader(blob),
		Checksum:     checksum,
		BackupType:   store.BackupTypeManual,
		AppVersion:   "2.1.0",
		DBVersion:    3,
		RecordCounts: store.JSONMap{"sales": float64(1200)},
	})
	require.NoError(t, err)

	assert.Equal(t, store.BackupStatusCompleted, row.Status)
	assert.Equal(t, int64(1048576), row.FileSize)
	assert.Equal(t, checksum, row.Checksum)
	assert.True(t, row.IsEncrypted)
	assert.Equal(t, "1.0", row.EncryptionVersion)
	require.NotNil(t, row.UploadedAt)

	got, rc, err := ing.Open(ctx, "biz-1", row.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, blob, data)
	assert.Equal(t, checksum, got.Checksum)

	var fresh store.Counter
	require.NoError(t, db.First(&fresh, "id = ?", counter.ID).Error)
	require.NotNil(t, fresh.LastSyncAt)
}

func TestIngestFilename(t *testing.T) {
	ing, _, dir := newTestIngestor(t)

	blob, checksum := randomBlob(t, 64)
	row, err := ing.Ingest(context.Background(), IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "Front Desk #2",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(row.Filename, "backup_biz-1_Front_Desk__2_"))
	assert.True(t, strings.HasSuffix(row.Filename, ".enc"))
	assert.Equal(t, store.BackupTypeManual, row.BackupType)

	_, err = os.Stat(filepath.Join(dir, "biz-1", row.Filename))
	assert.NoError(t, err)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "biz-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestChecksumMismatch(t *testing.T) {
	ing, db, dir := newTestIngestor(t)

	blob, _ := randomBlob(t, 256)
	_, err := ing.Ingest(context.Background(), IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    strings.Repeat("0", 64),
	})
	assert.ErrorIs(t, err, apperrors.ErrChecksumMismatch)

	var row store.Backup
	require.NoError(t, db.Where("business_id = ?", "biz-1").First(&row).Error)
	assert.Equal(t, store.BackupStatusFailed, row.Status)
	assert.NotEmpty(t, row.ErrorMessage)

	// The blob must not survive a failed verification.
	_, err = os.Stat(filepath.Join(dir, row.BlobPath))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestChecksumCaseInsensitive(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	blob, checksum := randomBlob(t, 128)
	_, err := ing.Ingest(context.Background(), IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    strings.ToUpper(checksum),
	})
	assert.NoError(t, err)
}

func TestIngestTooLarge(t *testing.T) {
	ing, db, _ := newTestIngestor(t)

	blob, checksum := randomBlob(t, testMaxUpload+1)
	_, err := ing.Ingest(context.Background(), IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	assert.ErrorIs(t, err, apperrors.ErrPayloadTooLarge)

	var row store.Backup
	require.NoError(t, db.Where("business_id = ?", "biz-1").First(&row).Error)
	assert.Equal(t, store.BackupStatusFailed, row.Status)
}

func TestIngestAtCap(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	blob, checksum := randomBlob(t, testMaxUpload)
	row, err := ing.Ingest(context.Background(), IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(testMaxUpload), row.FileSize)
}

func TestDeleteRemovesBlobAndRow(t *testing.T) {
	ing, db, dir := newTestIngestor(t)
	ctx := context.Background()

	blob, checksum := randomBlob(t, 64)
	row, err := ing.Ingest(ctx, IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	require.NoError(t, err)

	require.NoError(t, ing.Delete(ctx, "biz-1", row.ID))

	_, err = os.Stat(filepath.Join(dir, row.BlobPath))
	assert.True(t, os.IsNotExist(err))
	var count int64
	require.NoError(t, db.Model(&store.Backup{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	assert.ErrorIs(t, ing.Delete(ctx, "biz-1", row.ID), apperrors.ErrBackupNotFound)
}

func TestDeleteScopedToBusiness(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	ctx := context.Background()

	blob, checksum := randomBlob(t, 64)
	row, err := ing.Ingest(ctx, IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, ing.Delete(ctx, "biz-2", row.ID), apperrors.ErrBackupNotFound)
}

func TestCleanupKeepsNewest(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	ctx := context.Background()

	var ids []string
	base := time.Now().UTC().Add(-time.Hour)
	for n := 0; n < 5; n++ {
		blob, checksum := randomBlob(t, 32)
		row, err := ing.Ingest(ctx, IngestArgs{
			BusinessID:  "biz-1",
			CounterName: "c",
			Body:        bytes.NewReader(blob),
			Checksum:    checksum,
			BackupType:  store.BackupTypeAuto,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(row).
			Update("created_at", base.Add(time.Duration(n)*time.Minute)).Error)
		ids = append(ids, row.ID)
	}

	deleted, err := ing.Cleanup(ctx, "biz-1", 2, store.BackupTypeAuto)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	page, err := ing.List(ctx, "biz-1", 1, 50, "")
	require.NoError(t, err)
	require.Len(t, page.Backups, 2)
	// The two newest survive.
	kept := map[string]bool{page.Backups[0].ID: true, page.Backups[1].ID: true}
	assert.True(t, kept[ids[3]])
	assert.True(t, kept[ids[4]])
}

func TestCleanupFiltersByType(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	ctx := context.Background()

	for _, typ := range []string{store.BackupTypeAuto, store.BackupTypeAuto, store.BackupTypeManual} {
		blob, checksum := randomBlob(t, 32)
		_, err := ing.Ingest(ctx, IngestArgs{
			BusinessID:  "biz-1",
			CounterName: "c",
			Body:        bytes.NewReader(blob),
			Checksum:    checksum,
			BackupType:  typ,
		})
		require.NoError(t, err)
	}

	deleted, err := ing.Cleanup(ctx, "biz-1", 0, store.BackupTypeAuto)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	page, err := ing.List(ctx, "biz-1", 1, 50, "")
	require.NoError(t, err)
	require.Len(t, page.Backups, 1)
	assert.Equal(t, store.BackupTypeManual, page.Backups[0].BackupType)
}

func TestCleanupNothingToDo(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	deleted, err := ing.Cleanup(context.Background(), "biz-1", 10, "")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestListPagination(t *testing.T) {
	ing, db, _ := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for n := 0; n < 5; n++ {
		blob, checksum := randomBlob(t, 32)
		row, err := ing.Ingest(ctx, IngestArgs{
			BusinessID:  "biz-1",
			CounterName: "c",
			Body:        bytes.NewReader(blob),
			Checksum:    checksum,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(row).
			Update("created_at", base.Add(time.Duration(n)*time.Minute)).Error)
	}

	page, err := ing.List(ctx, "biz-1", 1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Backups, 2)

	second, err := ing.List(ctx, "biz-1", 2, 2, "")
	require.NoError(t, err)
	require.Len(t, second.Backups, 2)
	assert.True(t, second.Backups[0].CreatedAt.Before(page.Backups[1].CreatedAt) ||
		second.Backups[0].CreatedAt.Equal(page.Backups[1].CreatedAt))

	last, err := ing.List(ctx, "biz-1", 3, 2, "")
	require.NoError(t, err)
	assert.Len(t, last.Backups, 1)
}

func TestOpenMissingBlob(t *testing.T) {
	ing, _, dir := newTestIngestor(t)
	ctx := context.Background()

	blob, checksum := randomBlob(t, 64)
	row, err := ing.Ingest(ctx, IngestArgs{
		BusinessID:  "biz-1",
		CounterName: "c",
		Body:        bytes.NewReader(blob),
		Checksum:    checksum,
	})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, row.BlobPath)))
	_, _, err = ing.Open(ctx, "biz-1", row.ID)
	assert.ErrorIs(t, err, apperrors.ErrBackupNotFound)
}
