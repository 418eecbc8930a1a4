package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	apperrors "repserver/internal/errors"
	"repserver/internal/store"
)

// Default validity windows by license type.
const (
	trialValidityDays    = 30
	defaultValidityDays  = 365
	lifetimeValidityDays = 36500
)

// Default renewal extensions by billing cycle.
const (
	monthlyExtensionDays = 30
	yearlyExtensionDays  = 365
)

// Store persists licenses and implements validity, renewal and revocation.
type Store struct {
	db      *gorm.DB
	keys    *KeyStore
	locks   *keyedMutex
	metrics *Metrics
	logger  *slog.Logger
}

// NewStore creates a license store sharing the per-license lock table with
// the activation manager.
func NewStore(db *gorm.DB, keys *KeyStore, locks *keyedMutex, metrics *Metrics, logger *slog.Logger) *Store {
	if locks == nil {
		locks = newKeyedMutex()
	}
	return &Store{
		db:      db,
		keys:    keys,
		locks:   locks,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "license_store")),
	}
}

// CreateArgs carries the operator-supplied fields for a new license.
type CreateArgs struct {
	CustomerName    string
	CustomerEmail   string
	CustomerCompany string
	CustomerPhone   string
	LicenseType     string
	BillingCycle    string
	MaxActivations  uint
	ValidFrom       time.Time
	ValidUntil      time.Time
	ClientID        *string
	Notes           string
}

// Create issues a new license: fills defaults, signs the code with the active
// key pair and persists the row.
func (s *Store) Create(ctx context.Context, args CreateArgs) (*store.License, error) {
	now := time.Now().UTC()

	if args.CustomerName == "" || args.CustomerEmail == "" {
		return nil, errors.New("customer name and email are required")
	}
	if args.LicenseType == "" {
		args.LicenseType = store.LicenseTypeBasic
	}
	if args.MaxActivations == 0 {
		args.MaxActivations = 1
	}
	if args.ValidFrom.IsZero() {
		args.ValidFrom = now
	}
	if args.ValidUntil.IsZero() {
		args.ValidUntil = args.ValidFrom.Add(defaultValidity(args.LicenseType))
	}
	if args.ValidUntil.Before(args.ValidFrom) {
		return nil, errors.New("valid_until must not precede valid_from")
	}
	if args.BillingCycle == "" {
		args.BillingCycle = defaultBillingCycle(args.LicenseType)
	}

	pair, err := s.keys.ActiveKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	lic := store.License{
		KeyPairID:       pair.ID,
		ClientID:        args.ClientID,
		CustomerName:    args.CustomerName,
		CustomerEmail:   args.CustomerEmail,
		CustomerCompany: args.CustomerCompany,
		CustomerPhone:   args.CustomerPhone,
		LicenseType:     args.LicenseType,
		MaxActivations:  args.MaxActivations,
		ValidFrom:       args.ValidFrom.UTC(),
		ValidUntil:      args.ValidUntil.UTC(),
		Status:          store.LicenseStatusActive,
		BillingCycle:    args.BillingCycle,
		Notes:           args.Notes,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&lic).Error; err != nil {
			return err
		}
		code, err := s.signCode(&lic, pair, now)
		if err != nil {
			return err
		}
		lic.LicenseCode = code
		return tx.Model(&lic).Update("license_code", code).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}

	s.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.ID),
		slog.String("type", lic.LicenseType),
		slog.String("customer_email", lic.CustomerEmail),
		slog.Time("valid_until", lic.ValidUntil),
	)
	return &lic, nil
}

// Get returns a license by id.
func (s *Store) Get(ctx context.Context, id string) (*store.License, error) {
	var lic store.License
	err := s.db.WithContext(ctx).First(&lic, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license: %w", err)
	}
	return &lic, nil
}

// FindByEmail returns all licenses issued to the given customer email,
// newest first.
func (s *Store) FindByEmail(ctx context.Context, email string) ([]store.License, error) {
	var licenses []store.License
	err := s.db.WithContext(ctx).
		Where("customer_email = ?", email).
		Order("created_at DESC").
		Find(&licenses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find licenses by email: %w", err)
	}
	return licenses, nil
}

// RenewResult reports the outcome of a renewal.
type RenewResult struct {
	License       *store.License
	OldValidUntil time.Time
	NewValidUntil time.Time
}

// Renew extends the license from its old valid_until (extension, not
// restart), reactivates it, bumps the renewal counter and re-signs the code.
// Serialized with competing mutators on the same license.
func (s *Store) Renew(ctx context.Context, id string, extendDays int, paymentRef string) (*RenewResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	lic, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	days := extendDays
	if days <= 0 {
		days = defaultExtensionDays(lic.BillingCycle)
	}

	old := lic.ValidUntil
	lic.ValidUntil = old.AddDate(0, 0, days)
	lic.Status = store.LicenseStatusActive
	lic.RenewalCount++
	lic.LastRenewedAt = &now
	lic.Notes = appendNote(lic.Notes, renewalNote(now, days, paymentRef))

	pair, err := s.keys.Get(ctx, lic.KeyPairID)
	if err != nil {
		return nil, err
	}
	code, err := s.signCode(lic, pair, now)
	if err != nil {
		return nil, err
	}
	lic.LicenseCode = code

	if err := s.db.WithContext(ctx).Save(lic).Error; err != nil {
		return nil, fmt.Errorf("failed to persist renewal: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Renewals.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "license renewed",
		slog.String("license_id", lic.ID),
		slog.Int("extend_days", days),
		slog.Time("old_valid_until", old),
		slog.Time("new_valid_until", lic.ValidUntil),
		slog.Int("renewal_count", int(lic.RenewalCount)),
	)
	return &RenewResult{License: lic, OldValidUntil: old, NewValidUntil: lic.ValidUntil}, nil
}

// Revoke flips the license to revoked. No code regeneration is needed: the
// server-side status overrides the offline signature.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, store.LicenseStatusRevoked)
}

// Suspend flips the license to suspended.
func (s *Store) Suspend(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, store.LicenseStatusSuspended)
}

func (s *Store) setStatus(ctx context.Context, id, status string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	res := s.db.WithContext(ctx).Model(&store.License{}).
		Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update license status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	s.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", id),
		slog.String("status", status),
	)
	return nil
}

// signCode builds the canonical payload for the license and signs it.
func (s *Store) signCode(lic *store.License, pair *store.KeyPair, issuedAt time.Time) (string, error) {
	priv, err := ParsePrivateKeyPEM(pair.PrivateKey)
	if err != nil {
		return "", err
	}
	payload := Payload{
		CustomerEmail:  lic.CustomerEmail,
		CustomerName:   lic.CustomerName,
		IssuedAt:       issuedAt.Format(time.RFC3339),
		LicenseID:      lic.ID,
		LicenseType:    lic.LicenseType,
		MaxActivations: lic.MaxActivations,
		ValidFrom:      lic.ValidFrom.UTC().Format(time.RFC3339),
		ValidUntil:     lic.ValidUntil.UTC().Format(time.RFC3339),
	}
	return Sign(payload, priv)
}

func defaultValidity(licenseType string) time.Duration {
	switch licenseType {
	case store.LicenseTypeTrial:
		return trialValidityDays * 24 * time.Hour
	case store.LicenseTypeLifetime:
		return lifetimeValidityDays * 24 * time.Hour
	default:
		return defaultValidityDays * 24 * time.Hour
	}
}

func defaultBillingCycle(licenseType string) string {
	if licenseType == store.LicenseTypeLifetime {
		return store.BillingCycleLifetime
	}
	return store.BillingCycleYearly
}

// defaultExtensionDays maps the billing cycle to a renewal extension. A
// lifetime cycle still receives the full lifetime window so renewal after an
// operator suspension keeps the license effectively perpetual.
func defaultExtensionDays(billingCycle string) int {
	switch billingCycle {
	case store.BillingCycleMonthly:
		return monthlyExtensionDays
	case store.BillingCycleLifetime:
		return lifetimeValidityDays
	default:
		return yearlyExtensionDays
	}
}

func renewalNote(at time.Time, days int, paymentRef string) string {
	note := fmt.Sprintf("%s: renewed +%d days", at.Format("2006-01-02"), days)
	if paymentRef != "" {
		note += " (payment " + paymentRef + ")"
	}
	return note
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return strings.TrimRight(notes, "\n") + "\n" + line
}
