package http

import (
	"time"

	"repserver/internal/store"
)

// licenseView is the license shape returned to devices and operators. The
// signed code is included only where the caller already proved possession.
type licenseView struct {
	ID                 string     `json:"id"`
	CustomerName       string     `json:"customer_name"`
	CustomerEmail      string     `json:"customer_email"`
	LicenseType        string     `json:"license_type"`
	Status             string     `json:"status"`
	MaxActivations     uint       `json:"max_activations"`
	CurrentActivations uint       `json:"current_activations"`
	ValidFrom          time.Time  `json:"valid_from"`
	ValidUntil         time.Time  `json:"valid_until"`
	BillingCycle       string     `json:"billing_cycle"`
	RenewalCount       uint       `json:"renewal_count"`
	LastRenewedAt      *time.Time `json:"last_renewed_at,omitempty"`
	DaysRemaining      int        `json:"days_remaining"`
}

func newLicenseView(l *store.License, now time.Time) *licenseView {
	return &licenseView{
		ID:                 l.ID,
		CustomerName:       l.CustomerName,
		CustomerEmail:      l.CustomerEmail,
		LicenseType:        l.LicenseType,
		Status:             l.Status,
		MaxActivations:     l.MaxActivations,
		CurrentActivations: l.CurrentActivations,
		ValidFrom:          l.ValidFrom,
		ValidUntil:         l.ValidUntil,
		BillingCycle:       l.BillingCycle,
		RenewalCount:       l.RenewalCount,
		LastRenewedAt:      l.LastRenewedAt,
		DaysRemaining:      l.DaysRemaining(now),
	}
}

type businessView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	LegalName      string     `json:"legal_name,omitempty"`
	BusinessType   string     `json:"business_type,omitempty"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Website        string     `json:"website,omitempty"`
	AddressLine1   string     `json:"address_line1,omitempty"`
	AddressLine2   string     `json:"address_line2,omitempty"`
	City           string     `json:"city,omitempty"`
	State          string     `json:"state,omitempty"`
	Country        string     `json:"country"`
	PostalCode     string     `json:"postal_code,omitempty"`
	GSTNumber      string     `json:"gst_number,omitempty"`
	PANNumber      string     `json:"pan_number,omitempty"`
	CurrencyCode   string     `json:"currency_code"`
	CurrencySymbol string     `json:"currency_symbol"`
	DateFormat     string     `json:"date_format"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
}

func newBusinessView(b *store.Business) *businessView {
	if b == nil {
		return nil
	}
	return &businessView{
		ID:             b.ID,
		Name:           b.Name,
		LegalName:      b.LegalName,
		BusinessType:   b.BusinessType,
		Email:          b.Email,
		Phone:          b.Phone,
		Website:        b.Website,
		AddressLine1:   b.AddressLine1,
		AddressLine2:   b.AddressLine2,
		City:           b.City,
		State:          b.State,
		Country:        b.Country,
		PostalCode:     b.PostalCode,
		GSTNumber:      b.GSTNumber,
		PANNumber:      b.PANNumber,
		CurrencyCode:   b.CurrencyCode,
		CurrencySymbol: b.CurrencySymbol,
		DateFormat:     b.DateFormat,
		LastSyncedAt:   b.LastSyncedAt,
	}
}

type counterView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	DeviceName  string     `json:"device_name,omitempty"`
	DeviceType  string     `json:"device_type,omitempty"`
	OSInfo      string     `json:"os_info,omitempty"`
	AppVersion  string     `json:"app_version,omitempty"`
	Status      string     `json:"status"`
	IsPrimary   bool       `json:"is_primary"`
	IsCurrent   bool       `json:"is_current,omitempty"`
	SyncEnabled bool       `json:"sync_enabled"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newCounterView(c *store.Counter) *counterView {
	if c == nil {
		return nil
	}
	return &counterView{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		DeviceName:  c.DeviceName,
		DeviceType:  c.DeviceType,
		OSInfo:      c.OSInfo,
		AppVersion:  c.AppVersion,
		Status:      c.Status,
		IsPrimary:   c.IsPrimary,
		SyncEnabled: c.SyncEnabled,
		LastSyncAt:  c.LastSyncAt,
		CreatedAt:   c.CreatedAt,
	}
}

type backupView struct {
	ID                string        `json:"id"`
	Filename          string        `json:"filename"`
	FileSize          int64         `json:"file_size"`
	Checksum          string        `json:"checksum"`
	IsEncrypted       bool          `json:"is_encrypted"`
	EncryptionVersion string        `json:"encryption_version"`
	BackupType        string        `json:"backup_type"`
	Status            string        `json:"status"`
	AppVersion        string        `json:"app_version,omitempty"`
	DBVersion         int           `json:"db_version"`
	RecordCounts      store.JSONMap `json:"record_counts,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UploadedAt        *time.Time    `json:"uploaded_at,omitempty"`
}

func newBackupView(b *store.Backup) *backupView {
	return &backupView{
		ID:                b.ID,
		Filename:          b.Filename,
		FileSize:          b.FileSize,
		Checksum:          b.Checksum,
		IsEncrypted:       b.IsEncrypted,
		EncryptionVersion: b.EncryptionVersion,
		BackupType:        b.BackupType,
		Status:            b.Status,
		AppVersion:        b.AppVersion,
		DBVersion:         b.DBVersion,
		RecordCounts:      b.RecordCounts,
		Notes:             b.Notes,
		CreatedAt:         b.CreatedAt,
		UploadedAt:        b.UploadedAt,
	}
}

type syncView struct {
	ID                string        `json:"id"`
	CounterID         string        `json:"counter_id"`
	SyncType          string        `json:"sync_type"`
	SyncDirection     string        `json:"sync_direction"`
	Status            string        `json:"status"`
	RecordsUploaded   int           `json:"records_uploaded"`
	RecordsDownloaded int           `json:"records_downloaded"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds   *float64      `json:"duration_seconds,omitempty"`
	Details           store.JSONMap `json:"details,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

func newSyncView(s *store.SyncLog) *syncView {
	return &syncView{
		ID:                s.ID,
		CounterID:         s.CounterID,
		SyncType:          s.SyncType,
		SyncDirection:     s.SyncDirection,
		Status:            s.Status,
		RecordsUploaded:   s.RecordsUploaded,
		RecordsDownloaded: s.RecordsDownloaded,
		ConflictsDetected: s.ConflictsDetected,
		ConflictsResolved: s.ConflictsResolved,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		DurationSeconds:   s.DurationSeconds,
		Details:           s.Details,
		ErrorMessage:      s.ErrorMessage,
	}
}
