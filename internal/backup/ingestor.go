// Package backup stores encrypted backup blobs uploaded by activated devices.
// Blobs live on the filesystem under a per-business directory; the Backup row
// is authoritative for existence, and the server never inspects blob contents.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	apperrors "repserver/internal/errors"
	"repserver/internal/store"
)

// Ingestor writes backup blobs and maintains their metadata rows.
type Ingestor struct {
	db      *gorm.DB
	dir     string
	maxSize int64
	locks   *businessLocks
	metrics *Metrics
	logger  *slog.Logger
}

// NewIngestor creates a backup ingestor rooted at dir. maxSize caps a single
// upload in bytes.
func NewIngestor(db *gorm.DB, dir string, maxSize int64, metrics *Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		db:      db,
		dir:     dir,
		maxSize: maxSize,
		locks:   newBusinessLocks(),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "backup_ingestor")),
	}
}

// IngestArgs carries one upload.
type IngestArgs struct {
	BusinessID   string
	CounterID    *string
	CounterName  string
	Body         io.Reader
	Checksum     string // expected SHA-256, lowercase hex; empty skips verification
	BackupType   string
	AppVersion   string
	DBVersion    int
	RecordCounts store.JSONMap
	Notes        string
}

// Ingest streams one backup to disk: temp file first, SHA-256 computed on the
// way through, atomic rename into place. A checksum mismatch or an oversized
// body leaves a failed row and no blob. Uploads for the same business are
// serialized against each other and against retention pruning.
func (i *Ingestor) Ingest(ctx context.Context, args IngestArgs) (*store.Backup, error) {
	unlock := i.locks.Lock(args.BusinessID)
	defer unlock()

	if !validBackupType(args.BackupType) {
		args.BackupType = store.BackupTypeManual
	}
	if args.DBVersion <= 0 {
		args.DBVersion = 1
	}

	now := time.Now().UTC()
	filename := backupFilename(args.BusinessID, args.CounterName, now)

	row := store.Backup{
		BusinessID:        args.BusinessID,
		CounterID:         args.CounterID,
		BlobPath:          filepath.Join(args.BusinessID, filename),
		Filename:          filename,
		IsEncrypted:       true,
		EncryptionVersion: "1.0",
		BackupType:        args.BackupType,
		Status:            store.BackupStatusUploading,
		AppVersion:        args.AppVersion,
		DBVersion:         args.DBVersion,
		RecordCounts:      args.RecordCounts,
		Notes:             args.Notes,
	}
	if err := i.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to create backup row: %w", err)
	}

	size, checksum, err := i.writeBlob(args.BusinessID, filename, args.Body)
	if err == nil && args.Checksum != "" && !strings.EqualFold(args.Checksum, checksum) {
		_ = os.Remove(i.blobPath(row.BlobPath))
		err = apperrors.ErrChecksumMismatch
	}
	if err != nil {
		msg := err.Error()
		if dbErr := i.db.WithContext(ctx).Model(&row).Updates(map[string]any{
			"status":        store.BackupStatusFailed,
			"error_message": msg,
		}).Error; dbErr != nil {
			i.logger.ErrorContext(ctx, "failed to record backup failure",
				slog.String("backup_id", row.ID), slog.String("error", dbErr.Error()))
		}
		i.metrics.RecordUpload(ctx, "failed", 0)
		i.logger.WarnContext(ctx, "backup ingest failed",
			slog.String("backup_id", row.ID),
			slog.String("business_id", args.BusinessID),
			slog.String("error", msg),
		)
		return nil, err
	}

	uploaded := time.Now().UTC()
	if err := i.db.WithContext(ctx).Model(&row).Updates(map[string]any{
		"status":      store.BackupStatusCompleted,
		"file_size":   size,
		"checksum":    checksum,
		"uploaded_at": uploaded,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to finalize backup row: %w", err)
	}
	row.Status = store.BackupStatusCompleted
	row.FileSize = size
	row.Checksum = checksum
	row.UploadedAt = &uploaded

	if args.CounterID != nil {
		if err := i.db.WithContext(ctx).Model(&store.Counter{}).
			Where("id = ?", *args.CounterID).
			Update("last_sync_at", uploaded).Error; err != nil {
			i.logger.WarnContext(ctx, "failed to stamp counter sync time",
				slog.String("counter_id", *args.CounterID), slog.String("error", err.Error()))
		}
	}

	i.metrics.RecordUpload(ctx, "ok", size)
	i.logger.InfoContext(ctx, "backup stored",
		slog.String("backup_id", row.ID),
		slog.String("business_id", args.BusinessID),
		slog.Int64("size", size),
	)
	return &row, nil
}

// writeBlob streams the body into a temp file in the business directory and
// renames it into place, returning the byte count and SHA-256 hex.
func (i *Ingestor) writeBlob(businessID, filename string, body io.Reader) (int64, string, error) {
	dir := filepath.Join(i.dir, businessID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filename+".tmp*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	hasher := sha256.New()
	// Read one byte past the cap so an at-cap upload is distinguishable from
	// an oversized one.
	size, err := io.Copy(tmp, io.TeeReader(io.LimitReader(body, i.maxSize+1), hasher))
	if err != nil {
		return 0, "", apperrors.UploadError("failed to write backup: " + err.Error())
	}
	if size > i.maxSize {
		return 0, "", apperrors.ErrPayloadTooLarge
	}
	if err := tmp.Close(); err != nil {
		return 0, "", apperrors.UploadError("failed to flush backup: " + err.Error())
	}
	if err := os.Rename(tmpName, filepath.Join(dir, filename)); err != nil {
		return 0, "", apperrors.UploadError("failed to place backup: " + err.Error())
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get loads one completed-or-not backup row scoped to a business.
func (i *Ingestor) Get(ctx context.Context, businessID, backupID string) (*store.Backup, error) {
	var row store.Backup
	err := i.db.WithContext(ctx).
		Where("id = ? AND business_id = ?", backupID, businessID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	return &row, nil
}

// Open returns the row and a reader over the blob for download.
func (i *Ingestor) Open(ctx context.Context, businessID, backupID string) (*store.Backup, io.ReadCloser, error) {
	row, err := i.Get(ctx, businessID, backupID)
	if err != nil {
		return nil, nil, err
	}
	if row.Status != store.BackupStatusCompleted {
		return nil, nil, apperrors.ErrBackupNotFound
	}
	f, err := os.Open(i.blobPath(row.BlobPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.ErrBackupNotFound
		}
		return nil, nil, fmt.Errorf("failed to open backup blob: %w", err)
	}
	return row, f, nil
}

// Delete removes one backup, blob before metadata row.
func (i *Ingestor) Delete(ctx context.Context, businessID, backupID string) error {
	unlock := i.locks.Lock(businessID)
	defer unlock()

	row, err := i.Get(ctx, businessID, backupID)
	if err != nil {
		return err
	}
	if err := i.removeBlobAndRow(ctx, row); err != nil {
		return err
	}
	i.metrics.RecordDeletions(ctx, 1)
	i.logger.InfoContext(ctx, "backup deleted",
		slog.String("backup_id", backupID),
		slog.String("business_id", businessID),
	)
	return nil
}

// Cleanup deletes all but the keep newest completed backups of a business,
// optionally restricted to one type. Runs under the business lock so it never
// races an in-flight upload. Returns the number of backups removed.
func (i *Ingestor) Cleanup(ctx context.Context, businessID string, keep int, backupType string) (int, error) {
	if keep < 0 {
		keep = 0
	}

	unlock := i.locks.Lock(businessID)
	defer unlock()

	q := i.db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessID, store.BackupStatusCompleted).
		Order("created_at DESC")
	if backupType != "" {
		q = q.Where("backup_type = ?", backupType)
	}

	var rows []store.Backup
	if err := q.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to list backups for cleanup: %w", err)
	}
	if len(rows) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, row := range rows[keep:] {
		if err := i.removeBlobAndRow(ctx, &row); err != nil {
			return deleted, err
		}
		deleted++
	}

	i.metrics.RecordDeletions(ctx, int64(deleted))
	i.logger.InfoContext(ctx, "backup retention applied",
		slog.String("business_id", businessID),
		slog.Int("kept", keep),
		slog.Int("deleted", deleted),
	)
	return deleted, nil
}

// Page is one page of backup listings.
type Page struct {
	Backups []store.Backup
	Total   int64
	Page    int
	PerPage int
}

// List returns a business's backups newest-first, paginated.
func (i *Ingestor) List(ctx context.Context, businessID string, page, perPage int, backupType string) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	base := i.db.WithContext(ctx).Model(&store.Backup{}).
		Where("business_id = ?", businessID)
	if backupType != "" {
		base = base.Where("backup_type = ?", backupType)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count backups: %w", err)
	}

	var rows []store.Backup
	err := base.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return &Page{Backups: rows, Total: total, Page: page, PerPage: perPage}, nil
}

func (i *Ingestor) removeBlobAndRow(ctx context.Context, row *store.Backup) error {
	// Blob first: an orphaned row is recoverable, an orphaned blob is not
	// discoverable.
	if err := os.Remove(i.blobPath(row.BlobPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete backup blob: %w", err)
	}
	if err := i.db.WithContext(ctx).Delete(&store.Backup{}, "id = ?", row.ID).Error; err != nil {
		return fmt.Errorf("failed to delete backup row: %w", err)
	}
	return nil
}

func (i *Ingestor) blobPath(rel string) string {
	return filepath.Join(i.dir, rel)
}

// backupFilename builds backup_<business>_<counter>_<timestamp>.enc with the
// counter name reduced to filesystem-safe characters.
func backupFilename(businessID, counterName string, at time.Time) string {
	if counterName == "" {
		counterName = "counter"
	}
	return fmt.Sprintf("backup_%s_%s_%s.enc",
		businessID, sanitize(counterName), at.UTC().Format("20060102_150405"))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func validBackupType(t string) bool {
	switch t {
	case store.BackupTypeManual, store.BackupTypeAuto, store.BackupTypePreRestore:
		return true
	}
	return false
}
