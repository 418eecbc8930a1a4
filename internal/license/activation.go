package license

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

// Manager implements the activation state machine: per-machine slot
// allocation with the cap enforced atomically, deactivation, and the
// server-authoritative refresh snapshot.
type Manager struct {
	db       *gorm.DB
	keys     *KeyStore
	licenses *Store
	grace    time.Duration
	locks    *keyedMutex
	logger   *slog.Logger
	metrics  *Metrics
}

// NewManager creates an activation manager. locks must be the instance shared
// with the license store so slot allocation and renewal serialize on the same
// per-license mutex.
func NewManager(db *gorm.DB, keys *KeyStore, licenses *Store, locks *keyedMutex, grace time.Duration, metrics *Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		db:       db,
		keys:     keys,
		licenses: licenses,
		grace:    grace,
		locks:    locks,
		logger:   logger.With(slog.String("component", "activation_manager")),
		metrics:  metrics,
	}
}

// SharedLocks returns a lock table for wiring Store and Manager together.
func SharedLocks() *keyedMutex {
	return newKeyedMutex()
}

// ValidateAndActivate verifies a license code offline, re-checks the
// server-side record, and claims (or refreshes) the activation slot for the
// machine. Returns the license and activation on success.
func (m *Manager) ValidateAndActivate(ctx context.Context, code, machineID, machineName, ip string) (*store.License, *store.Activation, error) {
	start := time.Now()
	lic, act, err := m.validateAndActivate(ctx, code, machineID, machineName, ip)
	outcome := "ok"
	if err != nil {
		outcome = apperrors.StatusCode(err)
	}
	m.metrics.RecordValidation(ctx, outcome, time.Since(start))
	return lic, act, err
}

func (m *Manager) validateAndActivate(ctx context.Context, code, machineID, machineName, ip string) (*store.License, *store.Activation, error) {
	now := time.Now().UTC()

	pair, err := m.keys.ActiveKeyPair(ctx)
	if err != nil {
		return nil, nil, err
	}
	pub, err := ParsePublicKeyPEM(pair.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	payload, err := Verify(code, pub, now)
	if err != nil && !errors.Is(err, apperrors.ErrLicenseExpired) {
		// An expired signature may still be inside the server-side grace
		// window; everything else is fatal here.
		return nil, nil, err
	}

	return m.ActivateDevice(ctx, payload.LicenseID, machineID, machineName, ip)
}

// ActivateDevice runs the same state machine as ValidateAndActivate but keyed
// by license id instead of a signed code. Used by the device auth flow, which
// runs after the code has already been validated once.
func (m *Manager) ActivateDevice(ctx context.Context, licenseID, machineID, machineName, ip string) (*store.License, *store.Activation, error) {
	now := time.Now().UTC()

	lic, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, nil, err
	}

	switch lic.Status {
	case store.LicenseStatusRevoked:
		return lic, nil, apperrors.ErrLicenseRevoked
	case store.LicenseStatusSuspended:
		return lic, nil, apperrors.ErrLicenseSuspended
	}

	if !lic.IsValid(now) && !lic.InGracePeriod(now, m.grace) {
		if lic.Status != store.LicenseStatusExpired {
			lic.Status = store.LicenseStatusExpired
			if err := m.db.WithContext(ctx).Model(lic).
				Update("status", store.LicenseStatusExpired).Error; err != nil {
				return nil, nil, fmt.Errorf("failed to mark license expired: %w", err)
			}
		}
		return lic, nil, apperrors.ErrLicenseExpired
	}

	act, err := m.EnsureActivation(ctx, lic, machineID, machineName, ip)
	if err != nil {
		return lic, nil, err
	}
	return lic, act, nil
}

// EnsureActivation claims or refreshes the activation slot for machineID
// under the per-license lock. The slot-cap check and the persisted
// current_activations update are one critical section.
func (m *Manager) EnsureActivation(ctx context.Context, lic *store.License, machineID, machineName, ip string) (*store.Activation, error) {
	unlock := m.locks.Lock(lic.ID)
	defer unlock()

	now := time.Now().UTC()

	var act store.Activation
	err := m.db.WithContext(ctx).
		Where("license_id = ? AND machine_id = ?", lic.ID, machineID).
		First(&act).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		act = store.Activation{
			LicenseID:   lic.ID,
			MachineID:   machineID,
			MachineName: machineName,
			ActivatedAt: now,
			LastCheck:   now,
			IsActive:    true,
			IPAddress:   ip,
		}
		if err := m.db.WithContext(ctx).Create(&act).Error; err != nil {
			return nil, fmt.Errorf("failed to create activation: %w", err)
		}

		count, err := m.activeCount(ctx, lic.ID)
		if err != nil {
			return nil, err
		}
		if count > int64(lic.MaxActivations) {
			// Remove the row entirely: keeping it inactive would make this
			// machine look deliberately deactivated and block it from
			// claiming a slot freed later.
			if err := m.db.WithContext(ctx).Delete(&act).Error; err != nil {
				return nil, fmt.Errorf("failed to roll back activation: %w", err)
			}
			m.logger.WarnContext(ctx, "activation cap exceeded",
				slog.String("license_id", lic.ID),
				slog.String("machine_id", machineID),
				slog.Uint64("max_activations", uint64(lic.MaxActivations)),
			)
			return nil, apperrors.ErrMaxActivations
		}

		if err := m.persistActiveCount(ctx, lic, count); err != nil {
			return nil, err
		}
		if m.metrics != nil {
			m.metrics.Activations.Add(ctx, 1)
		}
		m.logger.InfoContext(ctx, "machine activated",
			slog.String("license_id", lic.ID),
			slog.String("machine_id", machineID),
			slog.Int64("active_count", count),
		)
		return &act, nil

	case err != nil:
		return nil, fmt.Errorf("failed to load activation: %w", err)
	}

	if !act.IsActive {
		return nil, apperrors.ErrDeviceDeactivated
	}

	updates := map[string]any{"last_check": now, "ip_address": ip}
	if machineName != "" {
		updates["machine_name"] = machineName
		act.MachineName = machineName
	}
	if err := m.db.WithContext(ctx).Model(&act).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to refresh activation: %w", err)
	}
	act.LastCheck = now
	act.IPAddress = ip
	return &act, nil
}

// Deactivate releases the slot for machineID and recomputes the cached
// activation count. Idempotent.
func (m *Manager) Deactivate(ctx context.Context, licenseID, machineID string) error {
	unlock := m.locks.Lock(licenseID)
	defer unlock()

	var act store.Activation
	err := m.db.WithContext(ctx).
		Where("license_id = ? AND machine_id = ?", licenseID, machineID).
		First(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load activation: %w", err)
	}

	if act.IsActive {
		if err := m.db.WithContext(ctx).Model(&act).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate: %w", err)
		}
	}

	lic, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return err
	}
	count, err := m.activeCount(ctx, licenseID)
	if err != nil {
		return err
	}
	if err := m.persistActiveCount(ctx, lic, count); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.Deactivations.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "machine deactivated",
		slog.String("license_id", licenseID),
		slog.String("machine_id", machineID),
	)
	return nil
}

// Snapshot is the server-authoritative view of one (license, machine) pair.
type Snapshot struct {
	License       *store.License
	Activation    *store.Activation
	Valid         bool
	Status        string
	InGracePeriod bool
	DaysRemaining int
}

// Refresh re-evaluates the state machine for the pair and returns the
// authoritative status, including when the license or the device has been
// disabled server-side.
func (m *Manager) Refresh(ctx context.Context, licenseID, machineID string) (*Snapshot, error) {
	now := time.Now().UTC()

	lic, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		License:       lic,
		Status:        lic.Status,
		DaysRemaining: lic.DaysRemaining(now),
	}

	switch lic.Status {
	case store.LicenseStatusRevoked, store.LicenseStatusSuspended:
		return snap, nil
	}

	if !lic.IsValid(now) {
		if lic.InGracePeriod(now, m.grace) {
			snap.InGracePeriod = true
		} else {
			if lic.Status != store.LicenseStatusExpired {
				lic.Status = store.LicenseStatusExpired
				if err := m.db.WithContext(ctx).Model(lic).
					Update("status", store.LicenseStatusExpired).Error; err != nil {
					return nil, fmt.Errorf("failed to mark license expired: %w", err)
				}
			}
			snap.Status = store.LicenseStatusExpired
			return snap, nil
		}
	}

	var act store.Activation
	err = m.db.WithContext(ctx).
		Where("license_id = ? AND machine_id = ?", licenseID, machineID).
		First(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snap.Status = "not_activated"
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activation: %w", err)
	}
	snap.Activation = &act

	if !act.IsActive {
		snap.Status = "device_deactivated"
		return snap, nil
	}

	if err := m.db.WithContext(ctx).Model(&act).
		Update("last_check", now).Error; err != nil {
		return nil, fmt.Errorf("failed to stamp activation: %w", err)
	}

	snap.Valid = true
	if snap.InGracePeriod {
		snap.Status = "grace"
	} else {
		snap.Status = store.LicenseStatusActive
	}
	return snap, nil
}

// GracePeriod exposes the configured grace window.
func (m *Manager) GracePeriod() time.Duration {
	return m.grace
}

func (m *Manager) activeCount(ctx context.Context, licenseID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&store.Activation{}).
		Where("license_id = ? AND is_active = ?", licenseID, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count activations: %w", err)
	}
	return count, nil
}

func (m *Manager) persistActiveCount(ctx context.Context, lic *store.License, count int64) error {
	lic.CurrentActivations = uint(count)
	if err := m.db.WithContext(ctx).Model(lic).
		Update("current_activations", count).Error; err != nil {
		return fmt.Errorf("failed to persist activation count: %w", err)
	}
	return nil
}
