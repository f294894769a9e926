package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// maxTokenSize is the maximum accepted size for a bearer token string (8 KB).
// Oversized tokens are rejected before any parsing work.
const maxTokenSize = 8192

// Accepted signing algorithms. Restricting methods prevents algorithm
// confusion attacks where an attacker substitutes the signing scheme.
var allowedSigningMethods = []string{"RS256", "ES256"}

// Client application claim names checked, in order. Identity providers
// emit one or the other depending on token version.
var clientIDClaimNames = []string{"azp", "appid"}

// ---------------------------------------------------------------------------
// DelegatedValidator: end-user ("Bearer") token validation
// ---------------------------------------------------------------------------

// DelegatedValidator validates end-user tokens for the [SchemeDelegated]
// scheme. Beyond signature, issuer, audience, and time checks, it
// enforces the deployment's required scope and, when configured, a
// client-application allow-list.
//
// DelegatedValidator is safe for concurrent use by multiple goroutines.
type DelegatedValidator struct {
	opts   Options
	keys   *KeySetCache
	tracer trace.Tracer
}

// NewDelegatedValidator builds the delegated-user validator from opts,
// creating a dedicated key-set cache for its issuer.
func NewDelegatedValidator(opts Options) (*DelegatedValidator, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	keys, err := NewKeySetCacheFromOptions(opts)
	if err != nil {
		return nil, err
	}
	return &DelegatedValidator{
		opts:   opts,
		keys:   keys,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Scheme implements [TokenValidator].
func (v *DelegatedValidator) Scheme() string { return SchemeDelegated }

// KeySet returns the validator's key-set cache, for health checks and
// operational refresh requests.
func (v *DelegatedValidator) KeySet() *KeySetCache { return v.keys }

// Validate implements [TokenValidator]. On success the returned
// UserContext carries the token's projected identity.
func (v *DelegatedValidator) Validate(ctx context.Context, tokenStr string) (*UserContext, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.DelegatedValidator.Validate")
	defer span.End()

	claims, err := verifySignedToken(ctx, tokenStr, v.keys, v.opts)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	uc := ResolveUserContext(claims, v.opts)

	if v.opts.RequiredScope != "" && !uc.HasScope(v.opts.RequiredScope) {
		err := herr.Newf(herr.CodeAuthInsufficientScope,
			"auth: token does not carry required scope %q", v.opts.RequiredScope)
		finishSpan(span, err)
		return nil, err
	}

	if len(v.opts.AllowedClientIDs) > 0 {
		if err := checkClientAllowed(claims, v.opts.AllowedClientIDs); err != nil {
			finishSpan(span, err)
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.String("auth.scheme", SchemeDelegated),
		attribute.String("auth.user_id", uc.UserID()),
	)
	return uc, nil
}

// ---------------------------------------------------------------------------
// InternalValidator: app-only ("InternalBearer") token validation
// ---------------------------------------------------------------------------

// InternalValidator validates app-only client-credential tokens for the
// [SchemeInternal] scheme. A token carrying any delegated scope is
// rejected: internal callers authenticate as applications, never as
// users, and a user token must not pass as a service.
//
// InternalValidator is safe for concurrent use by multiple goroutines.
type InternalValidator struct {
	opts   Options
	keys   *KeySetCache
	tracer trace.Tracer
}

// NewInternalValidator builds the internal-service validator from opts,
// creating a dedicated key-set cache for its issuer. The two schemes may
// trust different issuers, so each validator owns its cache.
func NewInternalValidator(opts Options) (*InternalValidator, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	keys, err := NewKeySetCacheFromOptions(opts)
	if err != nil {
		return nil, err
	}
	return &InternalValidator{
		opts:   opts,
		keys:   keys,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Scheme implements [TokenValidator].
func (v *InternalValidator) Scheme() string { return SchemeInternal }

// KeySet returns the validator's key-set cache, for health checks and
// operational refresh requests.
func (v *InternalValidator) KeySet() *KeySetCache { return v.keys }

// Validate implements [TokenValidator].
func (v *InternalValidator) Validate(ctx context.Context, tokenStr string) (*UserContext, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.InternalValidator.Validate")
	defer span.End()

	claims, err := verifySignedToken(ctx, tokenStr, v.keys, v.opts)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	if scopes := scopeValues(claims); len(scopes) > 0 {
		err := herr.New(herr.CodeAuthDelegatedToken,
			"auth: delegated token presented to internal-service scheme")
		finishSpan(span, err)
		return nil, err
	}

	uc := ResolveUserContext(claims, v.opts)
	span.SetAttributes(
		attribute.String("auth.scheme", SchemeInternal),
		attribute.String("auth.user_id", uc.UserID()),
	)
	return uc, nil
}

// ---------------------------------------------------------------------------
// Shared verification
// ---------------------------------------------------------------------------

// verifySignedToken parses and verifies tokenStr against the key set:
// signature (RS256/ES256 only), expiry and not-before with the configured
// clock skew, audience when configured, and issuer when known. A
// signature failure triggers one parse retry against a refreshed key set
// before rejecting, covering rotation races.
func verifySignedToken(ctx context.Context, tokenStr string, keys *KeySetCache, opts Options) (jwt.MapClaims, error) {
	if tokenStr == "" {
		return nil, herr.New(herr.CodeAuthInvalid, "auth: token must not be empty")
	}
	if len(tokenStr) > maxTokenSize {
		return nil, herr.New(herr.CodeAuthInvalid, "auth: token exceeds maximum size")
	}

	claims, err := parseVerified(ctx, tokenStr, keys, opts)
	if err != nil && errors.Is(err, jwt.ErrSignatureInvalid) {
		// The cached key may be outdated even if the kid matched. Retry
		// once against a refreshed set.
		keys.RequestRefresh()
		claims, err = parseVerified(ctx, tokenStr, keys, opts)
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return claims, nil
}

// parseVerified runs one jwt.Parse pass, resolving the signing key by the
// token's kid header from the key-set cache.
func parseVerified(ctx context.Context, tokenStr string, keys *KeySetCache, opts Options) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, herr.New(herr.CodeAuthInvalid, "auth: token header has no key ID")
		}
		return keys.Key(ctx, kid)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedSigningMethods),
		jwt.WithLeeway(opts.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	issuer := expectedIssuer(keys, opts)
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.Parse(tokenStr, keyFunc, parserOpts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, herr.New(herr.CodeAuthInvalid, "auth: unable to extract claims")
	}

	// A metadata-only cache learns its issuer from the discovery fetch,
	// which runs inside jwt.Parse via the key lookup. When no issuer was
	// known while the parser options were built, the claim is checked here
	// against the freshly discovered value so the first request through a
	// cold cache gets the same issuer check as every later one.
	if issuer == "" {
		if discovered := keys.Issuer(); discovered != "" {
			iss, err := claims.GetIssuer()
			if err != nil || iss != discovered {
				return nil, herr.Newf(herr.CodeAuthInvalid,
					"auth: token issuer %q does not match the discovered issuer", iss)
			}
		}
	}
	return claims, nil
}

// expectedIssuer returns the issuer to verify against: the configured one
// if set, otherwise the discovery-supplied one once known.
func expectedIssuer(keys *KeySetCache, opts Options) string {
	if opts.Issuer != "" {
		return opts.Issuer
	}
	return keys.Issuer()
}

// checkClientAllowed verifies that the token's client application claim
// is in the allow-list. Compared case-insensitively.
func checkClientAllowed(claims jwt.MapClaims, allowed []string) error {
	var clientID string
	for _, name := range clientIDClaimNames {
		if s, _ := claims[name].(string); s != "" {
			clientID = s
			break
		}
	}
	if clientID == "" {
		return herr.New(herr.CodeAuthClientNotAllowed,
			"auth: token carries no client application identifier")
	}
	for _, id := range allowed {
		if strings.EqualFold(id, clientID) {
			return nil
		}
	}
	return herr.Newf(herr.CodeAuthClientNotAllowed,
		"auth: client application %q is not allowed", clientID)
}

// classifyError maps jwt library errors onto stable platform error codes.
// The mapping keeps expiry distinguishable (clients silently re-acquire
// on it) while every other verification failure is a generic invalid
// token.
func classifyError(err error) *herr.Error {
	if err == nil {
		return nil
	}

	var coded *herr.Error
	if errors.As(err, &coded) {
		return coded
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return herr.Wrap(err, herr.CodeAuthExpired, "auth: token has expired")
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token is malformed")
	}
	if errors.Is(err, jwt.ErrSignatureInvalid) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token is unverifiable")
	}
	if errors.Is(err, jwt.ErrTokenNotValidYet) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token is not yet valid")
	}
	if errors.Is(err, jwt.ErrTokenInvalidAudience) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token audience is invalid")
	}
	if errors.Is(err, jwt.ErrTokenInvalidIssuer) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token issuer is invalid")
	}
	if errors.Is(err, jwt.ErrTokenInvalidClaims) {
		return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token claims are invalid")
	}

	return herr.Wrap(err, herr.CodeAuthInvalid, "auth: token validation failed")
}
