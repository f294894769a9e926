package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioscloud/trust-core/internal/testutil"
	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// countingKeyServer serves the key-set document for keys and counts
// fetches. The handler can be swapped mid-test via the fail flag.
type countingKeyServer struct {
	server  *httptest.Server
	fetches atomic.Int64
	fail    atomic.Bool
	doc     atomic.Value // []byte
}

func newCountingKeyServer(t *testing.T, keys ...*testutil.SigningKey) *countingKeyServer {
	t.Helper()
	s := &countingKeyServer{}
	s.doc.Store(testutil.JWKSDocument(t, keys...))
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		if s.fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.doc.Load().([]byte))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *countingKeyServer) setKeys(t *testing.T, keys ...*testutil.SigningKey) {
	t.Helper()
	s.doc.Store(testutil.JWKSDocument(t, keys...))
}

func TestKeySetCacheColdFetch(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := newCountingKeyServer(t, key)

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	got, err := cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, int64(1), srv.fetches.Load())

	// Second lookup serves from memory.
	_, err = cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.fetches.Load())
}

func TestKeySetCacheEmptySetIsFetchError(t *testing.T) {
	srv := newCountingKeyServer(t) // no keys published

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Keys(context.Background())
	testutil.RequireErrorCode(t, err, herr.CodeAuthKeySetUnavailable)
}

func TestKeySetCacheColdFetchFailure(t *testing.T) {
	srv := newCountingKeyServer(t, testutil.NewSigningKey(t, "kid-1"))
	srv.fail.Store(true)

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Key(context.Background(), "kid-1")
	testutil.RequireErrorCode(t, err, herr.CodeAuthKeySetUnavailable)
}

func TestKeySetCacheRotationRefetch(t *testing.T) {
	old := testutil.NewSigningKey(t, "kid-old")
	srv := newCountingKeyServer(t, old)

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Key(context.Background(), "kid-old")
	require.NoError(t, err)

	// Rotate keys server-side; the cache still holds the old set.
	rotated := testutil.NewSigningKey(t, "kid-new")
	srv.setKeys(t, rotated)

	got, err := cache.Key(context.Background(), "kid-new")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, int64(2), srv.fetches.Load(), "kid miss should force exactly one refetch")
}

func TestKeySetCacheUnknownKidAfterRefetch(t *testing.T) {
	srv := newCountingKeyServer(t, testutil.NewSigningKey(t, "kid-1"))

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Key(context.Background(), "kid-unknown")
	testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	assert.Equal(t, int64(2), srv.fetches.Load())
}

func TestKeySetCacheRequestRefresh(t *testing.T) {
	srv := newCountingKeyServer(t, testutil.NewSigningKey(t, "kid-1"))

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), srv.fetches.Load())

	// RequestRefresh itself must not fetch.
	cache.RequestRefresh()
	assert.Equal(t, int64(1), srv.fetches.Load())

	// The next lookup refreshes.
	_, err = cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.fetches.Load())
}

func TestKeySetCacheStaleServedOnRefreshFailure(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := newCountingKeyServer(t, key)

	cache, err := NewKeySetCache(KeySetConfig{JWKSURL: srv.server.URL})
	require.NoError(t, err)

	_, err = cache.Keys(context.Background())
	require.NoError(t, err)

	cache.RequestRefresh()
	srv.fail.Store(true)

	// The refresh fails, but the stale keys keep serving.
	keys, err := cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Contains(t, keys, "kid-1")
}

func TestKeySetCacheDiscovery(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	cache, err := NewKeySetCache(KeySetConfig{
		MetadataURL: srv.URL + "/.well-known/openid-configuration",
	})
	require.NoError(t, err)

	// Issuer is unknown until the first fetch resolves discovery.
	assert.Empty(t, cache.Issuer())

	_, err = cache.Key(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL, cache.Issuer())
}

func TestKeySetCacheRefreshIntervalExpiry(t *testing.T) {
	srv := newCountingKeyServer(t, testutil.NewSigningKey(t, "kid-1"))

	cache, err := NewKeySetCache(KeySetConfig{
		JWKSURL:         srv.server.URL,
		RefreshInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = cache.Keys(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.fetches.Load())
}

func TestNewKeySetCacheFromOptionsAuthorityIssuer(t *testing.T) {
	// With a configured authority the issuer is pinned at construction,
	// before any discovery fetch.
	cache, err := NewKeySetCacheFromOptions(Options{
		Provider:  ProviderCIAM,
		Authority: "https://login.example.com",
		TenantID:  "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com/t1/v2.0", cache.Issuer())
}

func TestNewKeySetCacheRequiresEndpoint(t *testing.T) {
	_, err := NewKeySetCache(KeySetConfig{})
	testutil.RequireErrorCode(t, err, herr.CodeValidationRequired)
}
