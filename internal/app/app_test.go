package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repserver/internal/config"
	"repserver/internal/license"
	"repserver/internal/store"
)

func licenseCreateArgs() license.CreateArgs {
	return license.CreateArgs{
		CustomerName:   "Boot Smoke",
		CustomerEmail:  "boot@example.com",
		LicenseType:    store.LicenseTypeTrial,
		MaxActivations: 1,
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DSN = filepath.Join(dir, "repserver.db")
	cfg.Storage.BackupsDir = filepath.Join(dir, "backups")
	cfg.License.DefaultKeyBits = 2048
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.EnsureDirectories())
	return cfg
}

func TestNewApplicationWiresDependencies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 18099

	a, err := newApplication(cfg)
	require.NoError(t, err)

	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Licenses)
	assert.NotNil(t, a.Manager)
	assert.NotNil(t, a.Authenticator)
	assert.NotNil(t, a.Tenants)
	assert.NotNil(t, a.Ingestor)
	assert.NotNil(t, a.Sessions)
	assert.Equal(t, ":18099", a.Server.Addr)

	// Connection timeouts must cover the upload window; only header reads
	// keep the short deadline. Per-request deadlines live in the router.
	assert.Equal(t, cfg.Server.ReadTimeout, a.Server.ReadHeaderTimeout)
	assert.Equal(t, cfg.Server.UploadTimeout, a.Server.ReadTimeout)
	assert.Equal(t, cfg.Server.UploadTimeout, a.Server.WriteTimeout)

	require.NoError(t, a.Stop(context.Background()))
}

func TestNewApplicationGeneratesSigningKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 18100

	a, err := newApplication(cfg)
	require.NoError(t, err)
	defer a.Stop(context.Background())

	pair, err := a.Keys.ActiveKeyPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", pair.Name)
	assert.True(t, pair.IsActive)

	// A license can be issued immediately after first boot.
	lic, err := a.Licenses.Create(context.Background(), licenseCreateArgs())
	require.NoError(t, err)
	assert.NotEmpty(t, lic.LicenseCode)
}

func TestSigningKeySurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 18101

	a, err := newApplication(cfg)
	require.NoError(t, err)
	first, err := a.Keys.ActiveKeyPair(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background()))

	b, err := newApplication(cfg)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	second, err := b.Keys.ActiveKeyPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
