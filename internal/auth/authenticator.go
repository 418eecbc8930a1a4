// Package auth mints and validates the opaque bearer tokens issued to
// activated devices. Tokens are 32 random bytes rendered as 64 lowercase hex
// characters; they are looked up, never parsed.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	apperrors "repserver/internal/errors"
	"repserver/internal/license"
	"repserver/internal/store"
	"repserver/internal/tenant"
)

// Authenticator implements the device auth flow and bearer-token lookup.
type Authenticator struct {
	db      *gorm.DB
	manager *license.Manager
	tenants *tenant.Store
	metrics *license.Metrics
	logger  *slog.Logger
}

// NewAuthenticator wires the authenticator.
func NewAuthenticator(db *gorm.DB, manager *license.Manager, tenants *tenant.Store, metrics *license.Metrics, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		db:      db,
		manager: manager,
		tenants: tenants,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "authenticator")),
	}
}

// Credentials is the device auth request.
type Credentials struct {
	LicenseID   string
	MachineID   string
	MachineName string
	DeviceType  string
	OSInfo      string
	AppVersion  string
	IP          string
}

// Session is the result of a successful authentication.
type Session struct {
	Token    string
	License  *store.License
	Business *store.Business
	Counter  *store.Counter
}

// Authenticate re-runs the activation state machine for the device, provisions
// a counter when the business profile exists, and returns the bearer token for
// the (license, counter) pair. Re-authenticating returns the existing token;
// a disabled token is regenerated and re-enabled.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	lic, act, err := a.manager.ActivateDevice(ctx, creds.LicenseID, creds.MachineID, creds.MachineName, creds.IP)
	if err != nil {
		return nil, err
	}

	session := &Session{License: lic}

	biz, err := a.tenants.BusinessByLicense(ctx, lic.ID)
	switch {
	case errors.Is(err, apperrors.ErrBusinessNotFound):
		// Not registered yet. The token is minted without a counter binding;
		// the device registers the business afterwards.
	case err != nil:
		return nil, err
	default:
		session.Business = biz
		counter, _, err := a.tenants.ProvisionCounter(ctx, biz, act, tenant.CounterDevice{
			MachineName: creds.MachineName,
			DeviceType:  creds.DeviceType,
			OSInfo:      creds.OSInfo,
			AppVersion:  creds.AppVersion,
		})
		if err != nil {
			return nil, err
		}
		session.Counter = counter
	}

	var counterID *string
	if session.Counter != nil {
		counterID = &session.Counter.ID
	}
	token, err := a.ensureToken(ctx, lic.ID, counterID)
	if err != nil {
		return nil, err
	}
	session.Token = token.Token

	a.logger.InfoContext(ctx, "device authenticated",
		slog.String("license_id", lic.ID),
		slog.String("machine_id", creds.MachineID),
		slog.Bool("counter_bound", counterID != nil),
	)
	return session, nil
}

// ensureToken is get_or_create on the (license, counter) pair.
func (a *Authenticator) ensureToken(ctx context.Context, licenseID string, counterID *string) (*store.APIToken, error) {
	q := a.db.WithContext(ctx).Where("license_id = ?", licenseID)
	if counterID == nil {
		q = q.Where("counter_id IS NULL")
	} else {
		q = q.Where("counter_id = ?", *counterID)
	}

	var token store.APIToken
	err := q.First(&token).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		raw, err := newTokenString()
		if err != nil {
			return nil, err
		}
		token = store.APIToken{
			LicenseID: licenseID,
			CounterID: counterID,
			Token:     raw,
			Name:      "device",
			IsActive:  true,
		}
		if err := a.db.WithContext(ctx).Create(&token).Error; err != nil {
			return nil, fmt.Errorf("failed to create token: %w", err)
		}
		if a.metrics != nil {
			a.metrics.TokensMinted.Add(ctx, 1)
		}
		return &token, nil

	case err != nil:
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if !token.IsActive {
		raw, err := newTokenString()
		if err != nil {
			return nil, err
		}
		if err := a.db.WithContext(ctx).Model(&token).Updates(map[string]any{
			"token":     raw,
			"is_active": true,
		}).Error; err != nil {
			return nil, fmt.Errorf("failed to regenerate token: %w", err)
		}
		token.Token = raw
		token.IsActive = true
		if a.metrics != nil {
			a.metrics.TokensMinted.Add(ctx, 1)
		}
	}
	return &token, nil
}

// Identity is the authenticated caller resolved from a bearer token.
type Identity struct {
	Token   *store.APIToken
	License *store.License
	Counter *store.Counter
}

// Lookup resolves and validates a bearer token. A usable token requires the
// token row to be active and unexpired and the license to be operational
// (valid or within grace). last_used_at is stamped best-effort.
func (a *Authenticator) Lookup(ctx context.Context, raw string) (*Identity, error) {
	now := time.Now().UTC()

	var token store.APIToken
	err := a.db.WithContext(ctx).Where("token = ?", raw).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if !token.IsValid(now) {
		return nil, apperrors.ErrTokenExpired
	}

	var lic store.License
	err = a.db.WithContext(ctx).First(&lic, "id = ?", token.LicenseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load license: %w", err)
	}
	if !lic.IsValid(now) && !lic.InGracePeriod(now, a.manager.GracePeriod()) {
		return nil, apperrors.ErrTokenExpired
	}

	identity := &Identity{Token: &token, License: &lic}
	if token.CounterID != nil {
		var counter store.Counter
		if err := a.db.WithContext(ctx).First(&counter, "id = ?", *token.CounterID).Error; err == nil {
			identity.Counter = &counter
		}
	}

	// Torn last_used_at stamps are tolerable.
	if err := a.db.WithContext(ctx).Model(&token).
		Update("last_used_at", now).Error; err != nil {
		a.logger.WarnContext(ctx, "failed to stamp token use", slog.String("error", err.Error()))
	}
	return identity, nil
}

// Logout disables the token. Subsequent lookups fail immediately.
func (a *Authenticator) Logout(ctx context.Context, tokenID string) error {
	result := a.db.WithContext(ctx).Model(&store.APIToken{}).
		Where("id = ?", tokenID).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to disable token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrInvalidToken
	}
	return nil
}

func newTokenString() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
