package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// License status values.
const (
	LicenseStatusActive    = "active"
	LicenseStatusExpired   = "expired"
	LicenseStatusRevoked   = "revoked"
	LicenseStatusSuspended = "suspended"
)

// License types.
const (
	LicenseTypeTrial        = "trial"
	LicenseTypeBasic        = "basic"
	LicenseTypeProfessional = "professional"
	LicenseTypeEnterprise   = "enterprise"
	LicenseTypeLifetime     = "lifetime"
)

// Billing cycles.
const (
	BillingCycleMonthly  = "monthly"
	BillingCycleYearly   = "yearly"
	BillingCycleLifetime = "lifetime"
)

// Counter status values.
const (
	CounterStatusActive    = "active"
	CounterStatusInactive  = "inactive"
	CounterStatusSuspended = "suspended"
)

// Backup types and statuses.
const (
	BackupTypeManual     = "manual"
	BackupTypeAuto       = "auto"
	BackupTypePreRestore = "pre_restore"

	BackupStatusPending   = "pending"
	BackupStatusUploading = "uploading"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

// Sync log enum values.
const (
	SyncTypeFull               = "full"
	SyncTypeIncremental        = "incremental"
	SyncTypeConflictResolution = "conflict_resolution"

	SyncDirectionUpload        = "upload"
	SyncDirectionDownload      = "download"
	SyncDirectionBidirectional = "bidirectional"

	SyncStatusStarted    = "started"
	SyncStatusInProgress = "in_progress"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
	SyncStatusPartial    = "partial"
)

// JSONMap is a free-form JSON object stored as a text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// KeyPair stores an RSA key pair used for license signing. The private key is
// a secret; it never leaves the server.
type KeyPair struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	Name       string    `gorm:"size:100;not null;default:'RetailEase Pro'"`
	PrivateKey string    `gorm:"type:text;not null"`
	PublicKey  string    `gorm:"type:text;not null"`
	IsActive   bool      `gorm:"not null;default:true;index"`
	CreatedAt  time.Time
}

func (k *KeyPair) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// License is an issued license. license_code carries the signed envelope and
// is regenerated whenever a signed field changes.
type License struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	KeyPairID string `gorm:"type:char(36);not null;index"`
	KeyPair   KeyPair
	ClientID  *string `gorm:"type:char(36)"`

	CustomerName    string `gorm:"size:200;not null"`
	CustomerEmail   string `gorm:"size:254;not null;index"`
	CustomerCompany string `gorm:"size:200"`
	CustomerPhone   string `gorm:"size:20"`

	LicenseType        string `gorm:"size:20;not null;default:'basic'"`
	MaxActivations     uint   `gorm:"not null;default:1"`
	CurrentActivations uint   `gorm:"not null;default:0"`

	ValidFrom  time.Time `gorm:"not null"`
	ValidUntil time.Time `gorm:"not null"`

	Status       string `gorm:"size:20;not null;default:'active';index"`
	BillingCycle string `gorm:"size:20;not null;default:'yearly'"`

	RenewalCount  uint `gorm:"not null;default:0"`
	LastRenewedAt *time.Time

	LicenseCode string `gorm:"type:text"`
	Notes       string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l *License) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// IsValid reports whether the license is operational at t.
func (l *License) IsValid(t time.Time) bool {
	return l.Status == LicenseStatusActive &&
		!t.Before(l.ValidFrom) && !t.After(l.ValidUntil)
}

// InGracePeriod reports whether t falls in the bounded window past
// valid_until during which the license is still treated as operational.
func (l *License) InGracePeriod(t time.Time, grace time.Duration) bool {
	return l.Status == LicenseStatusActive &&
		t.After(l.ValidUntil) && !t.After(l.ValidUntil.Add(grace))
}

// DaysRemaining returns whole days left until valid_until, zero when the
// license is not valid at t.
func (l *License) DaysRemaining(t time.Time) int {
	if !l.IsValid(t) {
		return 0
	}
	days := int(l.ValidUntil.Sub(t).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Activation records that a machine fingerprint has claimed a slot against a
// license. (license_id, machine_id) is unique; rows are never re-keyed.
type Activation struct {
	ID          string `gorm:"type:char(36);primaryKey"`
	LicenseID   string `gorm:"type:char(36);not null;uniqueIndex:idx_license_machine"`
	MachineID   string `gorm:"size:64;not null;uniqueIndex:idx_license_machine"`
	MachineName string `gorm:"size:200"`
	ActivatedAt time.Time
	LastCheck   time.Time
	IsActive    bool   `gorm:"not null;default:true"`
	IPAddress   string `gorm:"size:45"`
}

func (a *Activation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Business is the tenant profile synced from the point-of-sale app.
type Business struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	LicenseID string `gorm:"type:char(36);not null;uniqueIndex"`

	Name         string `gorm:"size:200;not null"`
	LegalName    string `gorm:"size:200"`
	BusinessType string `gorm:"size:50"`

	Email   string `gorm:"size:254"`
	Phone   string `gorm:"size:20"`
	Website string `gorm:"size:200"`

	AddressLine1 string `gorm:"size:200"`
	AddressLine2 string `gorm:"size:200"`
	City         string `gorm:"size:100"`
	State        string `gorm:"size:100"`
	Country      string `gorm:"size:100;default:'India'"`
	PostalCode   string `gorm:"size:20"`

	GSTNumber string `gorm:"size:20"`
	PANNumber string `gorm:"size:20"`

	CurrencyCode   string `gorm:"size:3;default:'INR'"`
	CurrencySymbol string `gorm:"size:5;default:'₹'"`
	DateFormat     string `gorm:"size:20;default:'DD/MM/YYYY'"`

	LogoPath string `gorm:"size:255"`

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

func (b *Business) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Counter is a provisioned POS terminal at a business, one-to-one with a
// license activation. At most one counter per business is primary.
type Counter struct {
	ID           string `gorm:"type:char(36);primaryKey"`
	BusinessID   string `gorm:"type:char(36);not null;index"`
	ActivationID string `gorm:"type:char(36);not null;uniqueIndex"`

	Name        string `gorm:"size:100;not null"`
	Description string `gorm:"type:text"`

	DeviceName string `gorm:"size:200"`
	DeviceType string `gorm:"size:50"`
	OSInfo     string `gorm:"size:100"`
	AppVersion string `gorm:"size:20"`

	Status    string `gorm:"size:20;not null;default:'active'"`
	IsPrimary bool   `gorm:"not null;default:false"`

	LastSyncAt  *time.Time
	SyncEnabled bool `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Counter) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// APIToken is the opaque bearer credential minted on authenticate. Tokens are
// never parsed, only looked up.
type APIToken struct {
	ID        string  `gorm:"type:char(36);primaryKey"`
	LicenseID string  `gorm:"type:char(36);not null;index"`
	CounterID *string `gorm:"type:char(36);index"`

	Token string `gorm:"size:64;not null;uniqueIndex"`

	Name     string `gorm:"size:100"`
	IsActive bool   `gorm:"not null;default:true"`

	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}

func (t *APIToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// IsValid reports whether the token itself is usable at ts. License validity
// is checked separately by the caller since it requires the license row.
func (t *APIToken) IsValid(ts time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.ExpiresAt != nil && ts.After(*t.ExpiresAt) {
		return false
	}
	return true
}

// Backup describes an encrypted backup blob stored on the filesystem. The row
// is authoritative; the blob path is relative to the backups directory.
type Backup struct {
	ID         string  `gorm:"type:char(36);primaryKey"`
	BusinessID string  `gorm:"type:char(36);not null;index"`
	CounterID  *string `gorm:"type:char(36)"`

	BlobPath string `gorm:"size:255;not null"`
	Filename string `gorm:"size:255;not null"`
	FileSize int64  `gorm:"not null;default:0"`
	Checksum string `gorm:"size:64"`

	IsEncrypted       bool   `gorm:"not null;default:true"`
	EncryptionVersion string `gorm:"size:10;default:'1.0'"`

	BackupType string `gorm:"size:20;not null;default:'manual'"`
	Status     string `gorm:"size:20;not null;default:'pending'"`

	AppVersion   string  `gorm:"size:20"`
	DBVersion    int     `gorm:"not null;default:1"`
	RecordCounts JSONMap `gorm:"type:text"`

	Notes        string `gorm:"type:text"`
	ErrorMessage string `gorm:"type:text"`

	CreatedAt  time.Time `gorm:"index"`
	UploadedAt *time.Time
}

func (b *Backup) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// SyncLog tracks one synchronization session between a counter and the server.
type SyncLog struct {
	ID         string `gorm:"type:char(36);primaryKey"`
	BusinessID string `gorm:"type:char(36);not null;index"`
	CounterID  string `gorm:"type:char(36);not null;index"`

	SyncType      string `gorm:"size:20;not null;default:'incremental'"`
	SyncDirection string `gorm:"size:20;not null;default:'upload'"`
	Status        string `gorm:"size:20;not null;default:'started'"`

	RecordsUploaded   int `gorm:"not null;default:0"`
	RecordsDownloaded int `gorm:"not null;default:0"`
	ConflictsDetected int `gorm:"not null;default:0"`
	ConflictsResolved int `gorm:"not null;default:0"`

	StartedAt       time.Time `gorm:"index"`
	CompletedAt     *time.Time
	DurationSeconds *float64

	Details      JSONMap `gorm:"type:text"`
	ErrorMessage string  `gorm:"type:text"`
}

func (s *SyncLog) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// AppConfigKey is the key of the singleton AppConfig row.
const AppConfigKey = "default"

// AppConfig is the public, unauthenticated configuration blob served to
// devices before they log in.
type AppConfig struct {
	ID  uint   `gorm:"primaryKey"`
	Key string `gorm:"size:50;not null;uniqueIndex;default:'default'"`

	GoogleClientID         string `gorm:"size:200"`
	GoogleClientIDIOS      string `gorm:"size:200"`
	GoogleClientIDAndroid  string `gorm:"size:200"`
	GoogleReversedClientID string `gorm:"size:200"`

	GoogleDriveEnabled  bool `gorm:"not null;default:true"`
	ServerBackupEnabled bool `gorm:"not null;default:true"`
	LocalBackupEnabled  bool `gorm:"not null;default:true"`

	MinAppVersion    string `gorm:"size:20;default:'1.0.0'"`
	LatestAppVersion string `gorm:"size:20;default:'1.0.0'"`
	AppUpdateURL     string `gorm:"size:200"`
	ForceUpdate      bool   `gorm:"not null;default:false"`

	MaintenanceMode    bool   `gorm:"not null;default:false"`
	MaintenanceMessage string `gorm:"type:text"`

	SupportEmail    string `gorm:"size:254"`
	SupportPhone    string `gorm:"size:20"`
	SupportWhatsApp string `gorm:"size:20"`

	TermsURL   string `gorm:"size:200"`
	PrivacyURL string `gorm:"size:200"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
