// Package app wires configuration, storage, services and the HTTP server
// into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"repserver/internal/auth"
	"repserver/internal/backup"
	"repserver/internal/config"
	"repserver/internal/infrastructure"
	"repserver/internal/license"
	"repserver/internal/store"
	"repserver/internal/synclog"
	"repserver/internal/tenant"
	transport "repserver/internal/transport/http"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const serviceName = "repserver"

// Application is the dependency container for the license server.
type Application struct {
	Config        *config.Config
	DB            *gorm.DB
	Server        *http.Server
	Licenses      *license.Store
	Manager       *license.Manager
	Keys          *license.KeyStore
	Authenticator *auth.Authenticator
	Tenants       *tenant.Store
	Ingestor      *backup.Ingestor
	Sessions      *synclog.Log
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	logCloser io.Closer
}

// NewApplication loads configuration and builds the full dependency graph.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newApplication(cfg)
}

func newApplication(cfg *config.Config) (*Application, error) {
	logger, logCloser, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", serviceName),
		slog.String("version", Version),
		slog.String("driver", cfg.Storage.Driver),
	)

	providers, err := infrastructure.InitializeOTel(serviceName, Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otel: %w", err)
	}

	db, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	keys := license.NewKeyStore(db, logger)
	if err := ensureSigningKey(context.Background(), keys, cfg.License.DefaultKeyBits, logger); err != nil {
		return nil, err
	}

	licenseMetrics, err := license.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}
	backupMetrics, err := backup.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create backup metrics: %w", err)
	}

	locks := license.SharedLocks()
	licenses := license.NewStore(db, keys, locks, licenseMetrics, logger)
	manager := license.NewManager(db, keys, licenses, locks, cfg.License.GracePeriod(), licenseMetrics, logger)
	tenants := tenant.NewStore(db, logger)
	authenticator := auth.NewAuthenticator(db, manager, tenants, licenseMetrics, logger)
	ingestor := backup.NewIngestor(db, cfg.Storage.BackupsDir, cfg.Storage.MaxUploadSize, backupMetrics, logger)
	sessions := synclog.NewLog(db, logger)

	router := transport.NewRouter(transport.Deps{
		Config:        cfg,
		DB:            db,
		Licenses:      licenses,
		Manager:       manager,
		Keys:          keys,
		Authenticator: authenticator,
		Tenants:       tenants,
		Ingestor:      ingestor,
		Sessions:      sessions,
		Logger:        logger,
		Version:       Version,
	})

	// Connection-level timeouts must leave room for the slowest allowed
	// request (a backup transfer); per-request deadlines are enforced by the
	// router's timeout middleware (RequestTimeout everywhere, UploadTimeout
	// on the backup transfer routes).
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.UploadTimeout,
		WriteTimeout:      cfg.Server.UploadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	return &Application{
		Config:        cfg,
		DB:            db,
		Server:        server,
		Licenses:      licenses,
		Manager:       manager,
		Keys:          keys,
		Authenticator: authenticator,
		Tenants:       tenants,
		Ingestor:      ingestor,
		Sessions:      sessions,
		Logger:        logger,
		OTelProviders: providers,
		logCloser:     logCloser,
	}, nil
}

// ensureSigningKey generates an active key pair on first boot so license
// issuance works out of the box.
func ensureSigningKey(ctx context.Context, keys *license.KeyStore, bits int, logger *slog.Logger) error {
	_, err := keys.ActiveKeyPair(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, license.ErrNoActiveKey) {
		return fmt.Errorf("failed to check signing key: %w", err)
	}

	logger.Info("no active signing key, generating one", slog.Int("bits", bits))
	if _, err := keys.GenerateKeyPair(ctx, "default", bits, true); err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	return nil
}

// Run serves HTTP until the context is cancelled or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.Logger.Info("application stopped")
	return nil
}

// Stop drains in-flight requests and releases resources.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("shutting down",
		slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("otel shutdown error", slog.String("error", err.Error()))
		}
	}

	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Error("database close error", slog.String("error", err.Error()))
		}
	}

	if a.logCloser != nil {
		// Closed last so shutdown itself still gets logged.
		defer a.logCloser.Close()
	}
	return nil
}
