package http

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"repserver/internal/auth"
	"repserver/internal/backup"
	apperrors "repserver/internal/errors"
	"repserver/internal/middleware"
	"repserver/internal/store"
	"repserver/internal/tenant"
)

// BackupHandler serves backup upload, download, listing and retention.
type BackupHandler struct {
	ingestor *backup.Ingestor
	tenants  *tenant.Store
	maxSize  int64
	logger   *slog.Logger
}

// NewBackupHandler creates the backup handler.
func NewBackupHandler(ingestor *backup.Ingestor, tenants *tenant.Store, maxSize int64, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		ingestor: ingestor,
		tenants:  tenants,
		maxSize:  maxSize,
		logger:   logger.With(slog.String("handler", "backup")),
	}
}

// business resolves the caller's business or fails the request.
func (h *BackupHandler) business(w http.ResponseWriter, r *http.Request) (*auth.Identity, *store.Business, bool) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Render(w, r, apperrors.ErrAuthRequired)
		return nil, nil, false
	}
	biz, err := h.tenants.BusinessByLicense(r.Context(), identity.License.ID)
	if err != nil {
		renderError(w, r, h.logger, err)
		return nil, nil, false
	}
	return identity, biz, true
}

// Upload handles POST /api/retailease/backups/upload/: multipart file plus
// metadata form fields in any order. The file part is spooled to disk, never
// buffered in memory.
func (h *BackupHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity, biz, ok := h.business(w, r)
	if !ok {
		return
	}

	// Cap the whole request body; the ingestor enforces the exact file cap.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+(1<<20))

	reader, err := r.MultipartReader()
	if err != nil {
		render.Render(w, r, apperrors.ErrNoFile)
		return
	}

	args := backup.IngestArgs{
		BusinessID: biz.ID,
		DBVersion:  1,
	}
	if identity.Counter != nil {
		args.CounterID = &identity.Counter.ID
		args.CounterName = identity.Counter.Name
	}

	// Spool the file and drain every part before ingesting: field order in
	// the multipart body is client-defined, so a checksum or notes field
	// after the file must still be honoured.
	var spool *os.File
	defer func() {
		if spool != nil {
			spool.Close()
			os.Remove(spool.Name())
		}
	}()

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		switch part.FormName() {
		case "file":
			spool, err = os.CreateTemp("", "upload-*.part")
			if err == nil {
				_, err = io.Copy(spool, io.LimitReader(part, h.maxSize+1))
			}
			part.Close()
			if err != nil {
				renderError(w, r, h.logger, err)
				return
			}
		case "backup_type":
			args.BackupType = formValue(part)
		case "app_version":
			args.AppVersion = formValue(part)
		case "db_version":
			if v, convErr := strconv.Atoi(formValue(part)); convErr == nil {
				args.DBVersion = v
			}
		case "checksum":
			args.Checksum = formValue(part)
		case "notes":
			args.Notes = formValue(part)
		case "record_counts":
			var counts store.JSONMap
			if jsonErr := json.Unmarshal([]byte(formValue(part)), &counts); jsonErr == nil {
				args.RecordCounts = counts
			}
		default:
			part.Close()
		}
	}

	if spool == nil {
		render.Render(w, r, apperrors.ErrNoFile)
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	args.Body = spool
	row, err := h.ingestor.Ingest(r.Context(), args)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"success": true, "backup": newBackupView(row)})
}

// List handles GET /api/retailease/backups/ with page, per_page and type
// query parameters.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	_, biz, ok := h.business(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	result, err := h.ingestor.List(r.Context(), biz.ID, page, perPage, r.URL.Query().Get("type"))
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	views := make([]*backupView, 0, len(result.Backups))
	for i := range result.Backups {
		views = append(views, newBackupView(&result.Backups[i]))
	}
	render.JSON(w, r, map[string]any{
		"backups":  views,
		"total":    result.Total,
		"page":     result.Page,
		"per_page": result.PerPage,
	})
}

// Download handles GET /api/retailease/backups/{id}/: streams the blob with
// the checksum and size headers.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	_, biz, ok := h.business(w, r)
	if !ok {
		return
	}

	row, blob, err := h.ingestor.Open(r.Context(), biz.ID, chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", row.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(row.FileSize, 10))
	w.Header().Set("X-Checksum", row.Checksum)
	w.Header().Set("X-File-Size", strconv.FormatInt(row.FileSize, 10))

	if _, err := io.Copy(w, blob); err != nil {
		// Headers are gone; all we can do is log.
		h.logger.WarnContext(r.Context(), "backup download interrupted",
			slog.String("backup_id", row.ID), slog.String("error", err.Error()))
	}
}

// Delete handles POST /api/retailease/backups/{id}/delete/.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	_, biz, ok := h.business(w, r)
	if !ok {
		return
	}
	if err := h.ingestor.Delete(r.Context(), biz.ID, chi.URLParam(r, "id")); err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

type cleanupRequest struct {
	Keep       int    `json:"keep" validate:"min=0"`
	BackupType string `json:"backup_type"`
}

func (c *cleanupRequest) Bind(r *http.Request) error {
	return validate.Struct(c)
}

// Cleanup handles POST /api/retailease/backups/cleanup/: retention pruning.
func (h *BackupHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	_, biz, ok := h.business(w, r)
	if !ok {
		return
	}

	req := &cleanupRequest{Keep: 5}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apperrors.ErrInvalidJSON)
		return
	}

	deleted, err := h.ingestor.Cleanup(r.Context(), biz.ID, req.Keep, req.BackupType)
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "deleted": deleted, "kept": req.Keep})
}

// formValue drains a small metadata part. Field values are bounded; anything
// beyond 1 MiB is truncated.
func formValue(part *multipart.Part) string {
	defer part.Close()
	var b strings.Builder
	io.Copy(&b, io.LimitReader(part, 1<<20))
	return strings.TrimSpace(b.String())
}
