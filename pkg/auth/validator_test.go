package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioscloud/trust-core/internal/testutil"
	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// newJWTOptions returns options for the direct key-set provider pointing
// at the given test server.
func newJWTOptions(issuer, jwksURL string) Options {
	return Options{
		Provider:      ProviderJWT,
		Issuer:        issuer,
		JWKSURL:       jwksURL,
		Audience:      "api://platform",
		RequiredScope: "platform.access",
	}
}

func TestDelegatedValidator(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	opts := newJWTOptions(srv.URL, srv.URL+"/jwks")

	v, err := NewDelegatedValidator(opts)
	require.NoError(t, err)
	assert.Equal(t, SchemeDelegated, v.Scheme())

	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   srv.URL,
			"sub":   "user-1",
			"aud":   "api://platform",
			"email": "alice@example.com",
			"scp":   "platform.access",
			"roles": []string{"Admin"},
		}
	}

	t.Run("valid token", func(t *testing.T) {
		uc, err := v.Validate(context.Background(), key.SignToken(t, baseClaims()))
		require.NoError(t, err)
		assert.Equal(t, "user-1", uc.UserID())
		assert.Equal(t, "alice@example.com", uc.Email())
		assert.True(t, uc.HasRole("Admin"))
	})

	t.Run("missing required scope", func(t *testing.T) {
		claims := baseClaims()
		claims["scp"] = "other.scope"
		_, err := v.Validate(context.Background(), key.SignToken(t, claims))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInsufficientScope)
	})

	t.Run("no scope claim at all", func(t *testing.T) {
		claims := baseClaims()
		delete(claims, "scp")
		_, err := v.Validate(context.Background(), key.SignToken(t, claims))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInsufficientScope)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := baseClaims()
		// Older than the default two-minute skew allows.
		claims["exp"] = time.Now().Add(-10 * time.Minute).Unix()
		_, err := v.Validate(context.Background(), key.SignToken(t, claims))
		testutil.RequireErrorCode(t, err, herr.CodeAuthExpired)
	})

	t.Run("expired within clock skew accepted", func(t *testing.T) {
		claims := baseClaims()
		claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
		_, err := v.Validate(context.Background(), key.SignToken(t, claims))
		require.NoError(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims()
		claims["iss"] = "https://evil.example.com"
		_, err := v.Validate(context.Background(), key.SignToken(t, claims))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		// Same kid, different private key: signature check must fail even
		// after the rotation retry.
		imposter := testutil.NewSigningKey(t, "kid-1")
		_, err := v.Validate(context.Background(), imposter.SignToken(t, baseClaims()))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := v.Validate(context.Background(), "")
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("oversized token", func(t *testing.T) {
		_, err := v.Validate(context.Background(), strings.Repeat("a", maxTokenSize+1))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Validate(context.Background(), "not.a.token")
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})
}

func TestDelegatedValidatorAudience(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	opts := newJWTOptions(srv.URL, srv.URL+"/jwks")

	v, err := NewDelegatedValidator(opts)
	require.NoError(t, err)

	t.Run("matching audience", func(t *testing.T) {
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"aud": "api://platform",
			"scp": "platform.access",
		}))
		require.NoError(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"aud": "api://other",
			"scp": "platform.access",
		}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("no audience claim", func(t *testing.T) {
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"scp": "platform.access",
		}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})
}

func TestDelegatedValidatorClientAllowList(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	opts := newJWTOptions(srv.URL, srv.URL+"/jwks")
	opts.AllowedClientIDs = []string{"client-a", "client-b"}

	v, err := NewDelegatedValidator(opts)
	require.NoError(t, err)

	sign := func(extra jwt.MapClaims) string {
		claims := jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"aud": "api://platform",
			"scp": "platform.access",
		}
		for k, val := range extra {
			claims[k] = val
		}
		return key.SignToken(t, claims)
	}

	t.Run("allowed azp", func(t *testing.T) {
		_, err := v.Validate(context.Background(), sign(jwt.MapClaims{"azp": "client-a"}))
		require.NoError(t, err)
	})

	t.Run("allowed appid fallback", func(t *testing.T) {
		_, err := v.Validate(context.Background(), sign(jwt.MapClaims{"appid": "client-b"}))
		require.NoError(t, err)
	})

	t.Run("disallowed client", func(t *testing.T) {
		_, err := v.Validate(context.Background(), sign(jwt.MapClaims{"azp": "client-x"}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthClientNotAllowed)
	})

	t.Run("no client claim", func(t *testing.T) {
		_, err := v.Validate(context.Background(), sign(nil))
		testutil.RequireErrorCode(t, err, herr.CodeAuthClientNotAllowed)
	})
}

func TestInternalValidator(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	opts := newJWTOptions(srv.URL, srv.URL+"/jwks")
	v, err := NewInternalValidator(opts)
	require.NoError(t, err)
	assert.Equal(t, SchemeInternal, v.Scheme())

	t.Run("app-only token accepted", func(t *testing.T) {
		uc, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "svc-orchestrator",
			"aud": "api://platform",
		}))
		require.NoError(t, err)
		assert.Equal(t, "svc-orchestrator", uc.UserID())
		assert.Empty(t, uc.Scopes())
	})

	t.Run("delegated token rejected", func(t *testing.T) {
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "user-1",
			"aud": "api://platform",
			"scp": "platform.access",
		}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthDelegatedToken)
	})

	t.Run("scope under long claim name also rejected", func(t *testing.T) {
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss":   srv.URL,
			"sub":   "user-1",
			"aud":   "api://platform",
			"scope": "read",
		}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthDelegatedToken)
	})
}

func TestDelegatedValidatorDiscoveryIssuerColdCache(t *testing.T) {
	key := testutil.NewSigningKey(t, "kid-1")
	srv := testutil.JWKSServer(t, key)

	// Each subtest builds a fresh validator so its key-set cache has never
	// fetched discovery: the expected issuer is unknown until the parse
	// itself resolves it.
	newValidator := func(t *testing.T) *DelegatedValidator {
		t.Helper()
		v, err := NewDelegatedValidator(Options{
			Provider:        ProviderCIAM,
			MetadataAddress: srv.URL + "/.well-known/openid-configuration",
			Audience:        "api://platform",
			RequiredScope:   "platform.access",
		})
		require.NoError(t, err)
		return v
	}

	t.Run("wrong issuer rejected on the first request", func(t *testing.T) {
		// Signed by the trusted key but issued for another tenant.
		v := newValidator(t)
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": "https://login.example.com/other-tenant/v2.0",
			"sub": "u1",
			"aud": "api://platform",
			"scp": "platform.access",
		}))
		testutil.RequireErrorCode(t, err, herr.CodeAuthInvalid)
	})

	t.Run("discovered issuer accepted on the first request", func(t *testing.T) {
		v := newValidator(t)
		_, err := v.Validate(context.Background(), key.SignToken(t, jwt.MapClaims{
			"iss": srv.URL,
			"sub": "u1",
			"aud": "api://platform",
			"scp": "platform.access",
		}))
		require.NoError(t, err)
	})
}

func TestNewDelegatedValidatorBareAuthorityRequiresTenant(t *testing.T) {
	_, err := NewDelegatedValidator(Options{
		Provider:      ProviderCIAM,
		Authority:     "https://login.example.com",
		Audience:      "api://platform",
		RequiredScope: "platform.access",
	})
	testutil.RequireErrorCode(t, err, herr.CodeValidationRequired)
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil))

	coded := herr.New(herr.CodeAuthInsufficientScope, "scope")
	assert.Same(t, coded, classifyError(coded))

	assert.Equal(t, herr.CodeAuthExpired, classifyError(jwt.ErrTokenExpired).Code)
	assert.Equal(t, herr.CodeAuthInvalid, classifyError(jwt.ErrTokenMalformed).Code)
	assert.Equal(t, herr.CodeAuthInvalid, classifyError(jwt.ErrSignatureInvalid).Code)
}
