// Package tenant manages Business profiles and the Counters (POS terminals)
// provisioned under them. A counter is bound one-to-one to a license
// activation; at most one counter per business is primary.
package tenant

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

// businessFields is the allowlist for RegisterOrUpdateBusiness. Anything
// outside it in the caller's payload is ignored, never an error.
var businessFields = map[string]string{
	"name":            "name",
	"legal_name":      "legal_name",
	"business_type":   "business_type",
	"email":           "email",
	"phone":           "phone",
	"website":         "website",
	"address_line1":   "address_line1",
	"address_line2":   "address_line2",
	"city":            "city",
	"state":           "state",
	"country":         "country",
	"postal_code":     "postal_code",
	"gst_number":      "gst_number",
	"pan_number":      "pan_number",
	"currency_code":   "currency_code",
	"currency_symbol": "currency_symbol",
	"date_format":     "date_format",
}

// counterFields is the allowlist for UpdateCounter.
var counterFields = map[string]string{
	"name":         "name",
	"description":  "description",
	"device_name":  "device_name",
	"device_type":  "device_type",
	"os_info":      "os_info",
	"app_version":  "app_version",
	"sync_enabled": "sync_enabled",
}

// Store provides tenant persistence.
type Store struct {
	db     *gorm.DB
	locks  *businessLocks
	logger *slog.Logger
}

// NewStore creates a tenant store.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		locks:  newBusinessLocks(),
		logger: logger.With(slog.String("component", "tenant_store")),
	}
}

// CounterDevice carries the device metadata reported at provisioning time.
type CounterDevice struct {
	MachineName string
	DeviceType  string
	OSInfo      string
	AppVersion  string
}

// RegisterOrUpdateBusiness upserts the business profile for a license. Fields
// outside the allowlist are dropped. When the business is created and the
// caller's activation has no counter yet, that counter is provisioned too.
func (s *Store) RegisterOrUpdateBusiness(ctx context.Context, licenseID string, fields map[string]any, act *store.Activation, device CounterDevice) (*store.Business, bool, error) {
	now := time.Now().UTC()

	updates := map[string]any{"last_synced_at": now}
	for key, column := range businessFields {
		if v, ok := fields[key]; ok {
			updates[column] = v
		}
	}

	var biz store.Business
	err := s.db.WithContext(ctx).Where("license_id = ?", licenseID).First(&biz).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		name, _ := fields["name"].(string)
		if name == "" {
			return nil, false, apperrors.MissingParam("name")
		}
		biz = store.Business{LicenseID: licenseID, Name: name, LastSyncedAt: &now}
		if err := s.db.WithContext(ctx).Create(&biz).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create business: %w", err)
		}
		if len(updates) > 1 {
			if err := s.db.WithContext(ctx).Model(&biz).Updates(updates).Error; err != nil {
				return nil, false, fmt.Errorf("failed to apply business fields: %w", err)
			}
			if err := s.db.WithContext(ctx).First(&biz, "id = ?", biz.ID).Error; err != nil {
				return nil, false, fmt.Errorf("failed to reload business: %w", err)
			}
		}
		if act != nil {
			if _, _, err := s.ProvisionCounter(ctx, &biz, act, device); err != nil {
				return nil, false, err
			}
		}
		s.logger.InfoContext(ctx, "business registered",
			slog.String("business_id", biz.ID),
			slog.String("license_id", licenseID),
		)
		return &biz, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to load business: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&biz).Updates(updates).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update business: %w", err)
	}
	if err := s.db.WithContext(ctx).First(&biz, "id = ?", biz.ID).Error; err != nil {
		return nil, false, fmt.Errorf("failed to reload business: %w", err)
	}
	return &biz, false, nil
}

// BusinessByLicense returns the business profile for a license, or
// apperrors.ErrBusinessNotFound.
func (s *Store) BusinessByLicense(ctx context.Context, licenseID string) (*store.Business, error) {
	var biz store.Business
	err := s.db.WithContext(ctx).Where("license_id = ?", licenseID).First(&biz).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load business: %w", err)
	}
	return &biz, nil
}

// ProvisionCounter returns the counter bound to the activation, creating it
// when missing. The first counter of a business becomes primary; names default
// to "Counter N" when the device reports no machine name.
func (s *Store) ProvisionCounter(ctx context.Context, biz *store.Business, act *store.Activation, device CounterDevice) (*store.Counter, bool, error) {
	unlock := s.locks.Lock(biz.ID)
	defer unlock()

	var counter store.Counter
	err := s.db.WithContext(ctx).Where("activation_id = ?", act.ID).First(&counter).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		var existing int64
		if err := s.db.WithContext(ctx).Model(&store.Counter{}).
			Where("business_id = ?", biz.ID).Count(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to count counters: %w", err)
		}

		name := device.MachineName
		if name == "" {
			name = fmt.Sprintf("Counter %d", existing+1)
		}
		counter = store.Counter{
			BusinessID:   biz.ID,
			ActivationID: act.ID,
			Name:         name,
			DeviceName:   device.MachineName,
			DeviceType:   device.DeviceType,
			OSInfo:       device.OSInfo,
			AppVersion:   device.AppVersion,
			Status:       store.CounterStatusActive,
			IsPrimary:    existing == 0,
			SyncEnabled:  true,
		}
		if err := s.db.WithContext(ctx).Create(&counter).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create counter: %w", err)
		}
		s.logger.InfoContext(ctx, "counter provisioned",
			slog.String("business_id", biz.ID),
			slog.String("counter_id", counter.ID),
			slog.Bool("is_primary", counter.IsPrimary),
		)
		return &counter, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to load counter: %w", err)
	}

	return &counter, false, nil
}

// ActivationByMachine resolves the caller's activation so first-time
// registration can bind a counter to it. Returns nil when the machine has no
// active slot.
func (s *Store) ActivationByMachine(ctx context.Context, licenseID, machineID string) (*store.Activation, error) {
	if machineID == "" {
		return nil, nil
	}
	var act store.Activation
	err := s.db.WithContext(ctx).
		Where("license_id = ? AND machine_id = ? AND is_active = ?", licenseID, machineID, true).
		First(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activation: %w", err)
	}
	return &act, nil
}

// CounterByActivation returns the counter bound to an activation, or nil when
// none has been provisioned yet.
func (s *Store) CounterByActivation(ctx context.Context, activationID string) (*store.Counter, error) {
	var counter store.Counter
	err := s.db.WithContext(ctx).Where("activation_id = ?", activationID).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counter: %w", err)
	}
	return &counter, nil
}

// GetCounter loads a counter by id scoped to a business.
func (s *Store) GetCounter(ctx context.Context, businessID, counterID string) (*store.Counter, error) {
	var counter store.Counter
	err := s.db.WithContext(ctx).
		Where("id = ? AND business_id = ?", counterID, businessID).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrCounterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counter: %w", err)
	}
	return &counter, nil
}

// UpdateCounter applies allowlisted fields to a counter. Setting status to
// inactive on the primary counter promotes the eldest remaining active
// counter.
func (s *Store) UpdateCounter(ctx context.Context, businessID, counterID string, fields map[string]any) (*store.Counter, error) {
	unlock := s.locks.Lock(businessID)
	defer unlock()

	counter, err := s.GetCounter(ctx, businessID, counterID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	for key, column := range counterFields {
		if v, ok := fields[key]; ok {
			updates[column] = v
		}
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(counter).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update counter: %w", err)
		}
	}

	if status, ok := fields["status"].(string); ok && status != counter.Status {
		if err := s.setCounterStatus(ctx, counter, status); err != nil {
			return nil, err
		}
	}

	if err := s.db.WithContext(ctx).First(counter, "id = ?", counter.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload counter: %w", err)
	}
	return counter, nil
}

// DeactivateCounter marks a counter inactive, promoting a new primary when
// needed.
func (s *Store) DeactivateCounter(ctx context.Context, businessID, counterID string) (*store.Counter, error) {
	unlock := s.locks.Lock(businessID)
	defer unlock()

	counter, err := s.GetCounter(ctx, businessID, counterID)
	if err != nil {
		return nil, err
	}
	if err := s.setCounterStatus(ctx, counter, store.CounterStatusInactive); err != nil {
		return nil, err
	}
	return counter, nil
}

// setCounterStatus must run under the business lock.
func (s *Store) setCounterStatus(ctx context.Context, counter *store.Counter, status string) error {
	updates := map[string]any{"status": status}
	wasPrimary := counter.IsPrimary
	if status != store.CounterStatusActive && wasPrimary {
		updates["is_primary"] = false
	}
	if err := s.db.WithContext(ctx).Model(counter).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to set counter status: %w", err)
	}
	counter.Status = status

	if status != store.CounterStatusActive && wasPrimary {
		counter.IsPrimary = false
		if err := s.promotePrimary(ctx, counter.BusinessID); err != nil {
			return err
		}
	}
	return nil
}

// promotePrimary picks the eldest remaining active counter as primary. When
// no active counter remains, none is primary.
func (s *Store) promotePrimary(ctx context.Context, businessID string) error {
	var next store.Counter
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessID, store.CounterStatusActive).
		Order("created_at ASC").
		First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pick next primary: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&next).
		Update("is_primary", true).Error; err != nil {
		return fmt.Errorf("failed to promote primary: %w", err)
	}
	s.logger.InfoContext(ctx, "primary counter promoted",
		slog.String("business_id", businessID),
		slog.String("counter_id", next.ID),
	)
	return nil
}

// CounterView is a counter plus the is_current flag relative to the caller.
type CounterView struct {
	Counter   store.Counter
	IsCurrent bool
}

// ListCounters returns every counter of a business, eldest first, flagging
// the one bound to the caller's token.
func (s *Store) ListCounters(ctx context.Context, businessID, currentCounterID string) ([]CounterView, error) {
	var counters []store.Counter
	err := s.db.WithContext(ctx).
		Where("business_id = ?", businessID).
		Order("created_at ASC").
		Find(&counters).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}

	views := make([]CounterView, 0, len(counters))
	for _, c := range counters {
		views = append(views, CounterView{Counter: c, IsCurrent: c.ID == currentCounterID})
	}
	return views, nil
}
