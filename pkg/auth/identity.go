// Package auth is the trust-and-access subsystem shared by Helios Cloud
// Platform services: bearer-token validation, scope- and role-based
// authorization policies, and the request context plumbing they rely on.
//
// Two structurally different token-issuance paths are supported, each with
// its own authentication scheme:
//
//   - The delegated-user scheme ("Bearer") accepts tokens issued to end
//     users by the external identity provider. These tokens must carry the
//     deployment's required scope.
//   - The internal-service scheme ("InternalBearer") accepts app-only
//     client-credential tokens for service-to-service calls. These tokens
//     must carry no delegated scope at all; a token with any scope claim
//     is rejected.
//
// Both schemes verify signatures against a remote key set resolved and
// cached by [KeySetCache], either from a directly configured key-set URL
// (provider "jwt") or via the identity provider's discovery metadata
// (provider "ciam", with [ResolveAuthority] normalizing the issuer).
//
// After validation, [ResolveUserContext] projects the claim set into a
// typed [UserContext], and a [PolicyRegistry] of named predicates gates
// privileged operations. HTTP middleware and gRPC interceptors wire the
// pieces into request pipelines in the order authenticate -> authorize ->
// handle.
package auth

import (
	"context"
	"strings"
)

// Scheme names exposed to the hosting framework. Business endpoints
// declare which scheme authenticates them by name.
const (
	// SchemeDelegated authenticates end-user (delegated) tokens.
	SchemeDelegated = "Bearer"

	// SchemeInternal authenticates app-only service-to-service tokens.
	SchemeInternal = "InternalBearer"
)

// TokenValidator validates a bearer token string and returns the
// UserContext it represents. Implementations verify signature, issuer,
// audience, and expiry, plus scheme-specific post-validation checks.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type TokenValidator interface {
	// Validate verifies token and returns the authenticated identity.
	// The context carries deadlines and cancellation for any key-set
	// fetch the validation triggers.
	Validate(ctx context.Context, token string) (*UserContext, error)

	// Scheme returns the authentication scheme name this validator
	// implements ([SchemeDelegated] or [SchemeInternal]).
	Scheme() string
}

// UserContext is the typed identity record produced from a validated
// claim set. It is created once per request after authentication succeeds
// and is immutable for the lifetime of the request.
//
// Projection never fails: absent claims produce zero values rather than
// errors, because authentication has already succeeded by the time a
// UserContext is built and projection must not introduce a new failure
// mode.
type UserContext struct {
	userID       string
	email        string
	displayName  string
	roles        []string
	scopes       []string
	tenantID     string
	isSuperAdmin bool
	claims       map[string]any
}

// ResolveUserContext projects claims into a UserContext using the claim
// names configured in opts. Pure, no I/O, never fails.
//
// Roles are taken verbatim (ordered, possibly repeating) from the
// configured roles claim. Email is the first present candidate from the
// configured ordered list of email claim names; a candidate holding an
// array contributes its first string element. IsSuperAdmin is derived:
// true iff the configured super-admin role appears in roles
// (case-insensitive).
func ResolveUserContext(claims map[string]any, opts Options) *UserContext {
	opts.applyDefaults()

	copied := make(map[string]any, len(claims))
	for k, v := range claims {
		copied[k] = v
	}

	uc := &UserContext{
		userID:   claimString(claims, opts.UserIDClaim),
		roles:    claimStrings(claims[opts.RolesClaim]),
		scopes:   scopeValues(claims),
		tenantID: claimString(claims, opts.TenantClaim),
		claims:   copied,
	}

	for _, candidate := range opts.EmailClaims {
		if v, ok := claims[candidate]; ok {
			if vals := claimStrings(v); len(vals) > 0 && vals[0] != "" {
				uc.email = vals[0]
				break
			}
		}
	}

	uc.displayName = claimString(claims, "name")

	for _, role := range uc.roles {
		if strings.EqualFold(role, opts.SuperAdminRole) {
			uc.isSuperAdmin = true
			break
		}
	}

	return uc
}

// UserID returns the identity's unique identifier.
func (u *UserContext) UserID() string { return u.userID }

// Email returns the identity's e-mail address, or "" if none was present.
func (u *UserContext) Email() string { return u.email }

// DisplayName returns the identity's display name, or "" if none was present.
func (u *UserContext) DisplayName() string { return u.displayName }

// TenantID returns the tenant identifier claim value, or "".
func (u *UserContext) TenantID() string { return u.tenantID }

// IsSuperAdmin reports whether the configured super-admin role is present
// in the identity's roles.
func (u *UserContext) IsSuperAdmin() bool { return u.isSuperAdmin }

// Roles returns a copy of the identity's role values, in token order.
// The list may contain repeats.
func (u *UserContext) Roles() []string {
	copied := make([]string, len(u.roles))
	copy(copied, u.roles)
	return copied
}

// Scopes returns a copy of the delegated scope values carried by the
// token. App-only (client-credential) tokens have no scopes.
func (u *UserContext) Scopes() []string {
	copied := make([]string, len(u.scopes))
	copy(copied, u.scopes)
	return copied
}

// HasRole reports whether the identity carries the given role,
// compared case-insensitively.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasScope reports whether the identity carries the given scope value.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims returns a shallow copy of the raw claim map for escape-hatch
// consumers. Callers may modify the returned map freely.
func (u *UserContext) Claims() map[string]any {
	copied := make(map[string]any, len(u.claims))
	for k, v := range u.claims {
		copied[k] = v
	}
	return copied
}

// claimString extracts a string claim value, tolerating absent or
// non-string values.
func claimString(claims map[string]any, name string) string {
	if name == "" {
		return ""
	}
	s, _ := claims[name].(string)
	return s
}

// claimStrings normalizes a claim value into a string slice. A plain
// string yields a one-element slice; an array yields its string elements
// in order; anything else yields nil.
func claimStrings(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Scope claim names checked, in order. Identity providers use either the
// short or the long form.
var scopeClaimNames = []string{"scp", "scope"}

// scopeValues extracts the delegated scope values from claims. The scope
// claim may be a space-separated string or an array of strings, under
// either conventional claim name. Returns nil when the token carries no
// scope claim (the app-only token shape).
func scopeValues(claims map[string]any) []string {
	for _, name := range scopeClaimNames {
		v, ok := claims[name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.Fields(val)
		default:
			return claimStrings(val)
		}
	}
	return nil
}
