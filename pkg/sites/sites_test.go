package sites

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestSiteStore(t *testing.T) *SiteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewSiteStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestSiteStore_RegisterStoresDigestOnly(t *testing.T) {
	store := newTestSiteStore(t)

	key, err := GenerateKey()
	require.NoError(t, err)

	record, err := store.Register("https://admin1.test.com/", "Administradora Uno", "ops@admin1.test.com", key)
	require.NoError(t, err)

	// URL normalized, plaintext never persisted.
	assert.Equal(t, "https://admin1.test.com", record.SiteURL)
	assert.NotContains(t, record.APIKeyHash, key)
	assert.Equal(t, HashKey(key), record.APIKeyHash)
	assert.Equal(t, key[:10], record.KeyPrefix)
	assert.True(t, record.IsActive)

	// Duplicate URL rejected by the unique index.
	_, err = store.Register("https://admin1.test.com", "Otra", "x@y.com", key)
	require.Error(t, err)
}

func TestSiteStore_DeactivateNeverDeletes(t *testing.T) {
	store := newTestSiteStore(t)
	key, _ := GenerateKey()
	_, err := store.Register("https://admin2.test.com", "Dos", "", key)
	require.NoError(t, err)

	require.NoError(t, store.Deactivate("https://admin2.test.com"))

	got, err := store.GetByURL("https://admin2.test.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)

	require.Error(t, store.Deactivate("https://nadie.test.com"))
}

func TestAuthenticator(t *testing.T) {
	store := newTestSiteStore(t)
	key, _ := GenerateKey()
	_, err := store.Register("https://admin1.test.com", "Uno", "", key)
	require.NoError(t, err)
	_, err = store.Register("https://inactiva.test.com", "Tres", "", key)
	require.NoError(t, err)

	auth := NewAuthenticator(store, nil, nil)

	t.Run("success", func(t *testing.T) {
		site, err := auth.Authenticate("https://admin1.test.com", key)
		require.NoError(t, err)
		assert.Equal(t, "Uno", site.CompanyName)
	})

	t.Run("unknown site", func(t *testing.T) {
		_, err := auth.Authenticate("https://desconocida.test.com", key)
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, CodeUnknownSite, ae.Code)
	})

	t.Run("key mismatch", func(t *testing.T) {
		_, err := auth.Authenticate("https://admin1.test.com", "dmk_wrong")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, CodeKeyMismatch, ae.Code)
	})

	t.Run("inactive site", func(t *testing.T) {
		require.NoError(t, store.Deactivate("https://inactiva.test.com"))
		_, err := auth.Authenticate("https://inactiva.test.com", key)
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, CodeInactiveSite, ae.Code)
	})
}

// The rate knob meters the site's whole request rate: successful requests
// spend tokens the same as failures.
func TestAuthenticatorRateLimitsPerSite(t *testing.T) {
	store := newTestSiteStore(t)
	key, _ := GenerateKey()
	_, err := store.Register("https://admin1.test.com", "Uno", "", key)
	require.NoError(t, err)
	_, err = store.Register("https://admin2.test.com", "Dos", "", key)
	require.NoError(t, err)

	limiter := NewRateLimiter(3, 6)
	auth := NewAuthenticator(store, limiter, nil)

	for i := 0; i < 3; i++ {
		_, err := auth.Authenticate("https://admin1.test.com", key)
		require.NoError(t, err)
	}

	// Bucket drained: even a correct key is throttled until refill.
	_, err = auth.Authenticate("https://admin1.test.com", key)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeRateLimited, ae.Code)

	// Buckets are per site.
	_, err = auth.Authenticate("https://admin2.test.com", key)
	require.NoError(t, err)
}

func TestRateLimiterRefill(t *testing.T) {
	l := NewRateLimiter(2, 60) // one token per second
	now := time.Now()

	require.True(t, l.takeAt("k", now))
	require.True(t, l.takeAt("k", now))
	require.False(t, l.takeAt("k", now))

	// One second later a token has refilled.
	require.True(t, l.takeAt("k", now.Add(time.Second)))
}
