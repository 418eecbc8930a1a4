package license

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "repserver/internal/errors"
	"repserver/internal/store"
)

type testEnv struct {
	db       *gorm.DB
	keys     *KeyStore
	licenses *Store
	manager  *Manager
	pair     *store.KeyPair
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := NewKeyStore(db, log)

	pair, err := keys.GenerateKeyPair(context.Background(), "test", 2048, true)
	require.NoError(t, err)

	locks := SharedLocks()
	licenses := NewStore(db, keys, locks, nil, log)
	manager := NewManager(db, keys, licenses, locks, 7*24*time.Hour, nil, log)

	return &testEnv{db: db, keys: keys, licenses: licenses, manager: manager, pair: pair}
}

func (e *testEnv) publicKey(t *testing.T) *store.KeyPair {
	t.Helper()
	return e.pair
}

func TestKeyStoreActivePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.keys.ActiveKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.pair.ID, pair.ID)
	assert.True(t, pair.IsActive)

	pem, err := env.keys.PublicKeyPEM(ctx)
	require.NoError(t, err)
	assert.Contains(t, pem, "PUBLIC KEY")
}

func TestKeyStoreGenerateDeactivatesPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	second, err := env.keys.GenerateKeyPair(ctx, "rotation", 2048, true)
	require.NoError(t, err)

	active, err := env.keys.ActiveKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	old, err := env.keys.Get(ctx, env.pair.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
}

func TestKeyStoreNoActiveKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.keys.Retire(ctx, env.pair.ID))

	_, err := env.keys.ActiveKeyPair(ctx)
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestCreateDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		licenseType  string
		wantDays     int
		wantCycle    string
	}{
		{store.LicenseTypeTrial, 30, store.BillingCycleYearly},
		{store.LicenseTypeBasic, 365, store.BillingCycleYearly},
		{store.LicenseTypeProfessional, 365, store.BillingCycleYearly},
		{store.LicenseTypeLifetime, 36500, store.BillingCycleLifetime},
	}

	for _, tt := range tests {
		t.Run(tt.licenseType, func(t *testing.T) {
			lic, err := env.licenses.Create(ctx, CreateArgs{
				CustomerName:  "Acme Retail",
				CustomerEmail: "owner@acme.example",
				LicenseType:   tt.licenseType,
			})
			require.NoError(t, err)

			assert.Equal(t, store.LicenseStatusActive, lic.Status)
			assert.Equal(t, uint(1), lic.MaxActivations)
			assert.Equal(t, tt.wantCycle, lic.BillingCycle)

			gotDays := int(lic.ValidUntil.Sub(lic.ValidFrom).Hours() / 24)
			assert.Equal(t, tt.wantDays, gotDays)
			assert.NotEmpty(t, lic.LicenseCode)
		})
	}
}

func TestCreateCodeVerifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lic, err := env.licenses.Create(ctx, CreateArgs{
		CustomerName:   "Acme Retail",
		CustomerEmail:  "owner@acme.example",
		LicenseType:    store.LicenseTypeBasic,
		MaxActivations: 3,
	})
	require.NoError(t, err)

	pub, err := ParsePublicKeyPEM(env.pair.PublicKey)
	require.NoError(t, err)

	payload, err := Verify(lic.LicenseCode, pub, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, lic.ID, payload.LicenseID)
	assert.Equal(t, "owner@acme.example", payload.CustomerEmail)
	assert.Equal(t, uint(3), payload.MaxActivations)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.licenses.Create(ctx, CreateArgs{CustomerEmail: "x@y.z"})
	assert.Error(t, err)

	now := time.Now().UTC()
	_, err = env.licenses.Create(ctx, CreateArgs{
		CustomerName:  "A",
		CustomerEmail: "x@y.z",
		ValidFrom:     now,
		ValidUntil:    now.Add(-time.Hour),
	})
	assert.Error(t, err)
}

func TestCreateWithoutActiveKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.keys.Retire(ctx, env.pair.ID))

	_, err := env.licenses.Create(ctx, CreateArgs{
		CustomerName:  "Acme Retail",
		CustomerEmail: "owner@acme.example",
	})
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestFindByEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.licenses.Create(ctx, CreateArgs{
			CustomerName:  "Acme Retail",
			CustomerEmail: "owner@acme.example",
		})
		require.NoError(t, err)
	}

	found, err := env.licenses.FindByEmail(ctx, "owner@acme.example")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	none, err := env.licenses.FindByEmail(ctx, "nobody@acme.example")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestRenewExtendsAndResigns pins the renewal contract: valid_until extends
// from the old valid_until, valid_from stays, renewal_count increments by
// one, status returns to active, and the regenerated code verifies with the
// new expiry.
func TestRenewExtendsAndResigns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	from := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	lic, err := env.licenses.Create(ctx, CreateArgs{
		CustomerName:  "Acme Retail",
		CustomerEmail: "owner@acme.example",
		LicenseType:   store.LicenseTypeBasic,
		ValidFrom:     from,
		ValidUntil:    until,
	})
	require.NoError(t, err)
	require.NoError(t, env.db.Model(lic).Update("status", store.LicenseStatusExpired).Error)

	res, err := env.licenses.Renew(ctx, lic.ID, 365, "INV-1042")
	require.NoError(t, err)

	assert.Equal(t, until, res.OldValidUntil.UTC())
	assert.Equal(t, until.AddDate(0, 0, 365), res.NewValidUntil.UTC())
	assert.Equal(t, store.LicenseStatusActive, res.License.Status)
	assert.Equal(t, uint(1), res.License.RenewalCount)
	assert.Equal(t, from, res.License.ValidFrom.UTC())
	require.NotNil(t, res.License.LastRenewedAt)
	assert.Contains(t, res.License.Notes, "renewed +365 days")
	assert.Contains(t, res.License.Notes, "INV-1042")

	pub, err := ParsePublicKeyPEM(env.pair.PublicKey)
	require.NoError(t, err)
	payload, err := Verify(res.License.LicenseCode, pub, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	wantUntil := until.AddDate(0, 0, 365).Format(time.RFC3339)
	assert.Equal(t, wantUntil, payload.ValidUntil)
}

func TestRenewIncrementsRenewalsCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	metrics, err := NewMetrics()
	require.NoError(t, err)

	env := newTestEnv(t)
	env.licenses.metrics = metrics
	ctx := context.Background()

	lic, err := env.licenses.Create(ctx, CreateArgs{
		CustomerName:  "Acme Retail",
		CustomerEmail: "owner@acme.example",
		LicenseType:   store.LicenseTypeBasic,
	})
	require.NoError(t, err)

	_, err = env.licenses.Renew(ctx, lic.ID, 30, "")
	require.NoError(t, err)
	_, err = env.licenses.Renew(ctx, lic.ID, 30, "")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), counterValue(t, &rm, "license_renewals_total"))
}

// counterValue sums the data points of a named int64 counter.
func counterValue(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestRenewDefaultExtension(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		cycle    string
		wantDays int
	}{
		{store.BillingCycleMonthly, 30},
		{store.BillingCycleYearly, 365},
	}

	for _, tt := range tests {
		t.Run(tt.cycle, func(t *testing.T) {
			lic, err := env.licenses.Create(ctx, CreateArgs{
				CustomerName:  "Acme Retail",
				CustomerEmail: "owner@acme.example",
				BillingCycle:  tt.cycle,
			})
			require.NoError(t, err)

			res, err := env.licenses.Renew(ctx, lic.ID, 0, "")
			require.NoError(t, err)
			assert.Equal(t, res.OldValidUntil.AddDate(0, 0, tt.wantDays), res.NewValidUntil)
		})
	}
}

func TestRenewNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.licenses.Renew(context.Background(), "missing-id", 30, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRevokeAndSuspend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lic, err := env.licenses.Create(ctx, CreateArgs{
		CustomerName:  "Acme Retail",
		CustomerEmail: "owner@acme.example",
	})
	require.NoError(t, err)

	require.NoError(t, env.licenses.Revoke(ctx, lic.ID))
	got, err := env.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, store.LicenseStatusRevoked, got.Status)

	require.NoError(t, env.licenses.Suspend(ctx, lic.ID))
	got, err = env.licenses.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, store.LicenseStatusSuspended, got.Status)

	// Renew restores a revoked or suspended license to active.
	res, err := env.licenses.Renew(ctx, lic.ID, 30, "")
	require.NoError(t, err)
	assert.Equal(t, store.LicenseStatusActive, res.License.Status)

	assert.ErrorIs(t, env.licenses.Revoke(ctx, "missing-id"), apperrors.ErrNotFound)
}
