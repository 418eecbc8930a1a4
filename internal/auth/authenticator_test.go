package auth

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "repserver/internal/errors"
	"repserver/internal/license"
	"repserver/internal/store"
	"repserver/internal/tenant"
)

type testEnv struct {
	db       *gorm.DB
	licenses *license.Store
	manager  *license.Manager
	tenants  *tenant.Store
	auth     *Authenticator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := license.NewKeyStore(db, log)
	_, err = keys.GenerateKeyPair(context.Background(), "test", 2048, true)
	require.NoError(t, err)

	locks := license.SharedLocks()
	licenses := license.NewStore(db, keys, locks, nil, log)
	manager := license.NewManager(db, keys, licenses, locks, 7*24*time.Hour, nil, log)
	tenants := tenant.NewStore(db, log)

	return &testEnv{
		db:       db,
		licenses: licenses,
		manager:  manager,
		tenants:  tenants,
		auth:     NewAuthenticator(db, manager, tenants, nil, log),
	}
}

func (e *testEnv) issueLicense(t *testing.T, maxActivations uint) *store.License {
	t.Helper()
	lic, err := e.licenses.Create(context.Background(), license.CreateArgs{
		CustomerName:   "Acme Retail",
		CustomerEmail:  "owner@acme.example",
		LicenseType:    store.LicenseTypeBasic,
		MaxActivations: maxActivations,
	})
	require.NoError(t, err)
	return lic
}

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestAuthenticateWithoutBusiness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 2)

	session, err := env.auth.Authenticate(ctx, Credentials{
		LicenseID: lic.ID,
		MachineID: "M1",
	})
	require.NoError(t, err)
	assert.Regexp(t, tokenPattern, session.Token)
	assert.Nil(t, session.Business)
	assert.Nil(t, session.Counter)
	assert.Equal(t, lic.ID, session.License.ID)
}

func TestAuthenticateProvisionsCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 2)

	// Business registered out of band before the device authenticates.
	_, _, err := env.tenants.RegisterOrUpdateBusiness(ctx, lic.ID, map[string]any{
		"name": "Acme Stores",
	}, nil, tenant.CounterDevice{})
	require.NoError(t, err)

	session, err := env.auth.Authenticate(ctx, Credentials{
		LicenseID:   lic.ID,
		MachineID:   "M1",
		MachineName: "Front Desk",
		DeviceType:  "desktop",
		AppVersion:  "2.1.0",
	})
	require.NoError(t, err)
	require.NotNil(t, session.Business)
	require.NotNil(t, session.Counter)
	assert.Equal(t, "Front Desk", session.Counter.Name)
	assert.True(t, session.Counter.IsPrimary)
	assert.Equal(t, "2.1.0", session.Counter.AppVersion)
}

func TestAuthenticateIdempotentToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 2)

	first, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)
	second, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)

	var count int64
	require.NoError(t, env.db.Model(&store.APIToken{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAuthenticateRegeneratesDisabledToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 2)

	first, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)

	var token store.APIToken
	require.NoError(t, env.db.Where("token = ?", first.Token).First(&token).Error)
	require.NoError(t, env.auth.Logout(ctx, token.ID))

	second, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Regexp(t, tokenPattern, second.Token)

	// The old string is dead; the row was re-keyed, not duplicated.
	var count int64
	require.NoError(t, env.db.Model(&store.APIToken{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	_, err = env.auth.Lookup(ctx, first.Token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestAuthenticateSlotCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 1)

	_, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)
	_, err = env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M2"})
	assert.ErrorIs(t, err, apperrors.ErrMaxActivations)
}

func TestAuthenticateRevokedLicense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 1)
	require.NoError(t, env.licenses.Revoke(ctx, lic.ID))

	_, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	assert.ErrorIs(t, err, apperrors.ErrLicenseRevoked)
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 2)

	_, _, err := env.tenants.RegisterOrUpdateBusiness(ctx, lic.ID, map[string]any{
		"name": "Acme Stores",
	}, nil, tenant.CounterDevice{})
	require.NoError(t, err)

	session, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)

	identity, err := env.auth.Lookup(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, identity.License.ID)
	require.NotNil(t, identity.Counter)
	assert.Equal(t, session.Counter.ID, identity.Counter.ID)
	require.NotNil(t, identity.Token.LastUsedAt)
}

func TestLookupUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.Lookup(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestLookupDisabledToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 1)

	session, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)

	var token store.APIToken
	require.NoError(t, env.db.Where("token = ?", session.Token).First(&token).Error)
	require.NoError(t, env.auth.Logout(ctx, token.ID))

	_, err = env.auth.Lookup(ctx, session.Token)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestLookupExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 1)

	session, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&store.APIToken{}).
		Where("token = ?", session.Token).
		Update("expires_at", past).Error)

	_, err = env.auth.Lookup(ctx, session.Token)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestLookupLicenseNoLongerValid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lic := env.issueLicense(t, 1)

	session, err := env.auth.Authenticate(ctx, Credentials{LicenseID: lic.ID, MachineID: "M1"})
	require.NoError(t, err)

	require.NoError(t, env.licenses.Revoke(ctx, lic.ID))

	_, err = env.auth.Lookup(ctx, session.Token)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestLogoutUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	err := env.auth.Logout(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}
