// Package testutil provides shared test helpers for the trust-core SDK.
//
// All helpers accept [testing.TB] for compatibility with both tests and
// benchmarks. Functions that halt the test on failure use [require] from
// testify; functions that record failures without stopping use [assert].
//
// Every helper calls t.Helper() so that test failure messages report the
// caller's file and line number rather than this package's.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// RequireNoError halts the test immediately if err is non-nil.
func RequireNoError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	require.NoError(t, err, msgAndArgs...)
}

// RequireError halts the test immediately if err is nil.
func RequireError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
}

// RequireErrorCode halts the test if err is nil, is not an *herr.Error,
// or does not carry the expected error code. This is the primary helper
// for validating platform error responses.
//
// Example:
//
//	_, err := validator.Validate(ctx, token)
//	testutil.RequireErrorCode(t, err, herr.CodeAuthExpired)
func RequireErrorCode(t testing.TB, err error, code herr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	coded, ok := herr.AsError(err)
	require.True(t, ok, "expected *herr.Error, got %T: %v", err, err)
	require.Equal(t, code, coded.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		coded.Code, code, coded.Message)
}

// AssertErrorCode records a test failure (without halting) if err is nil,
// is not an *herr.Error, or does not carry the expected error code. Use
// in table-driven tests where all rows should be checked.
func AssertErrorCode(t testing.TB, err error, code herr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	coded, ok := herr.AsError(err)
	if !assert.True(t, ok, "expected *herr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, coded.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		coded.Code, code, coded.Message)
}

// TempConfigFile creates a temporary file with the given content and
// extension (e.g., ".yaml", ".json") inside t.TempDir(). The file is
// removed automatically when the test finishes.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config"+ext)
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err, "failed to write temp config file %s", path)
	return path
}

// SetEnv sets an environment variable for the duration of the test.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	original, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, original)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// SigningKey is a test RSA key pair plus the key ID under which its
// public half is published by [JWKSServer].
type SigningKey struct {
	Kid     string
	Private *rsa.PrivateKey
}

// NewSigningKey generates a 2048-bit RSA key pair for token signing.
func NewSigningKey(t testing.TB, kid string) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return &SigningKey{Kid: kid, Private: key}
}

// SignToken creates an RS256-signed token with the given claims and the
// key's kid header. Standard time claims default to a one-hour window
// around now when absent.
func (k *SigningKey) SignToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = time.Now().Add(-time.Minute).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.Kid
	signed, err := token.SignedString(k.Private)
	require.NoError(t, err, "failed to sign token")
	return signed
}

// jwkEntry is one published key in the test key-set document.
type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSDocument renders the key-set JSON for the given keys, in the shape
// served by identity provider key-set endpoints.
func JWKSDocument(t testing.TB, keys ...*SigningKey) []byte {
	t.Helper()
	entries := make([]jwkEntry, 0, len(keys))
	for _, k := range keys {
		pub := k.Private.Public().(*rsa.PublicKey)
		entries = append(entries, jwkEntry{
			Kty: "RSA",
			Kid: k.Kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	doc, err := json.Marshal(map[string]any{"keys": entries})
	require.NoError(t, err)
	return doc
}

// JWKSServer starts an httptest server publishing the given keys at
// /jwks and an OpenID Connect discovery document at
// /.well-known/openid-configuration. The server's own URL is the issuer.
// The server shuts down when the test finishes.
func JWKSServer(t testing.TB, keys ...*SigningKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(JWKSDocument(t, keys...))
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   server.URL,
			"jwks_uri": server.URL + "/jwks",
		})
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}
