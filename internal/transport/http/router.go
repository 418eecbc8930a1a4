// Package http assembles the HTTP surface: the public licensing endpoints
// under /api/license and the token-gated device endpoints under
// /api/retailease.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"gorm.io/gorm"

	"repserver/internal/auth"
	"repserver/internal/backup"
	"repserver/internal/config"
	apperrors "repserver/internal/errors"
	"repserver/internal/infrastructure"
	"repserver/internal/license"
	"repserver/internal/middleware"
	"repserver/internal/synclog"
	"repserver/internal/tenant"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config        *config.Config
	DB            *gorm.DB
	Licenses      *license.Store
	Manager       *license.Manager
	Keys          *license.KeyStore
	Authenticator *auth.Authenticator
	Tenants       *tenant.Store
	Ingestor      *backup.Ingestor
	Sessions      *synclog.Log
	Logger        *slog.Logger
	Version       string
}

// NewRouter builds the full route tree.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(d.Logger))
	r.Use(middleware.Recoverer(d.Logger))
	r.Use(render.SetContentType(render.ContentTypeJSON))
	if d.Config.Security.EnableCORS {
		r.Use(middleware.CORS(d.Config.Security.AllowedOrigins))
	}

	licenseHandler := NewLicenseHandler(d.Licenses, d.Manager, d.Keys, d.Config.License.AdminKey, d.Logger)
	authHandler := NewAuthHandler(d.Authenticator, d.Tenants, d.Logger)
	businessHandler := NewBusinessHandler(d.Tenants, d.Logger)
	backupHandler := NewBackupHandler(d.Ingestor, d.Tenants, d.Config.Storage.MaxUploadSize, d.Logger)
	syncHandler := NewSyncHandler(d.Sessions, d.Tenants, d.Logger)
	configHandler := NewConfigHandler(d.DB, d.Logger)
	healthHandler := NewHealthHandler(d.DB, d.Version)

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", infrastructure.MetricsHandler())

	requestTimeout := d.Config.Server.RequestTimeout
	uploadTimeout := d.Config.Server.UploadTimeout

	r.Route("/api", func(api chi.Router) {
		api.Route("/license", func(lr chi.Router) {
			lr.Use(middleware.Timeout(requestTimeout))
			if d.Config.Security.RateLimit.Enabled {
				limiter := middleware.NewRateLimiter(
					d.Config.Security.RateLimit.RPS,
					d.Config.Security.RateLimit.Burst,
					d.Logger,
				)
				lr.Use(limiter.Handler)
			}
			lr.Mount("/", licenseHandler.Routes())
		})

		api.Route("/retailease", func(rr chi.Router) {
			// Public: device bootstrap before any token exists.
			rr.With(middleware.Timeout(requestTimeout)).Get("/config", configHandler.Get)
			rr.With(middleware.Timeout(requestTimeout)).Post("/auth", authHandler.Authenticate)

			// Everything else requires a bearer token.
			rr.Group(func(gr chi.Router) {
				gr.Use(middleware.TokenAuth(d.Authenticator, d.Logger))

				gr.Group(func(sr chi.Router) {
					sr.Use(middleware.Timeout(requestTimeout))

					sr.Post("/logout", authHandler.Logout)
					sr.Get("/status", authHandler.Status)

					sr.Get("/business", businessHandler.Get)
					sr.Post("/business/register", businessHandler.Register)
					sr.Get("/counters", businessHandler.ListCounters)
					sr.Put("/counters/{id}", businessHandler.UpdateCounter)

					sr.Get("/backups", backupHandler.List)
					sr.Post("/backups/{id}/delete", backupHandler.Delete)
					sr.Post("/backups/cleanup", backupHandler.Cleanup)

					sr.Post("/sync/start", syncHandler.Start)
					sr.Post("/sync/{id}/complete", syncHandler.Complete)
					sr.Get("/sync/history", syncHandler.History)
				})

				// Backup transfers get the long deadline.
				gr.Group(func(sr chi.Router) {
					sr.Use(middleware.Timeout(uploadTimeout))
					sr.Post("/backups/upload", backupHandler.Upload)
					sr.Get("/backups/{id}", backupHandler.Download)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		render.Render(w, req, apperrors.New(http.StatusNotFound, "NOT_FOUND", "Route not found"))
	})

	return r
}
