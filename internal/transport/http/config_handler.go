package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"gorm.io/gorm"

	"repserver/internal/store"
)

// ConfigHandler serves the public app configuration blob devices fetch before
// they log in.
type ConfigHandler struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewConfigHandler creates the config handler.
func NewConfigHandler(db *gorm.DB, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{db: db, logger: logger.With(slog.String("handler", "config"))}
}

// Get handles GET /api/retailease/config/. The platform query parameter
// (ios, android, desktop) selects the matching OAuth client id. When
// maintenance mode is on, the response short-circuits to the maintenance
// block.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := store.GetAppConfig(h.db.WithContext(r.Context()))
	if err != nil {
		renderError(w, r, h.logger, err)
		return
	}

	now := time.Now().UTC()
	if cfg.MaintenanceMode {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]any{
			"maintenance_mode":    true,
			"maintenance_message": cfg.MaintenanceMessage,
			"server_time":         now,
		})
		return
	}

	appVersion := r.URL.Query().Get("app_version")
	updateRequired := cfg.ForceUpdate && appVersion != "" &&
		compareVersions(appVersion, cfg.MinAppVersion) < 0

	render.JSON(w, r, map[string]any{
		"google_client_id":          clientIDForPlatform(cfg, r.URL.Query().Get("platform")),
		"google_reversed_client_id": cfg.GoogleReversedClientID,
		"features": map[string]any{
			"google_drive_backup": cfg.GoogleDriveEnabled,
			"server_backup":       cfg.ServerBackupEnabled,
			"local_backup":        cfg.LocalBackupEnabled,
		},
		"app": map[string]any{
			"min_version":     cfg.MinAppVersion,
			"latest_version":  cfg.LatestAppVersion,
			"update_url":      cfg.AppUpdateURL,
			"force_update":    cfg.ForceUpdate,
			"update_required": updateRequired,
		},
		"support": map[string]any{
			"email":    cfg.SupportEmail,
			"phone":    cfg.SupportPhone,
			"whatsapp": cfg.SupportWhatsApp,
		},
		"legal": map[string]any{
			"terms_url":   cfg.TermsURL,
			"privacy_url": cfg.PrivacyURL,
		},
		"maintenance_mode": false,
		"server_time":      now,
	})
}

func clientIDForPlatform(cfg *store.AppConfig, platform string) string {
	switch platform {
	case "ios":
		if cfg.GoogleClientIDIOS != "" {
			return cfg.GoogleClientIDIOS
		}
	case "android":
		if cfg.GoogleClientIDAndroid != "" {
			return cfg.GoogleClientIDAndroid
		}
	}
	return cfg.GoogleClientID
}

// compareVersions compares dotted numeric versions; non-numeric segments
// compare as zero. Returns -1, 0 or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}
