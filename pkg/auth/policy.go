package auth

import (
	"sort"
	"strings"
	"sync"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// Built-in policy names registered by [NewPolicyRegistry].
const (
	// PolicySuperAdmin requires the configured super-admin role.
	PolicySuperAdmin = "RequireSuperAdmin"

	// PolicyPlatformAdmin requires the "Admin" role or super-admin.
	PolicyPlatformAdmin = "RequirePlatformAdmin"

	// PolicyMfa requires multi-factor authentication evidence.
	PolicyMfa = "RequireMfa"

	// PolicyInternalService requires an app-only identity (no scopes).
	PolicyInternalService = "InternalService"
)

// Policy is a named authorization predicate evaluated against an
// authenticated identity. Policies must be pure: no I/O, no stored state,
// a decision from the UserContext alone.
type Policy func(*UserContext) bool

// PolicyRegistry maps policy names to predicates. Endpoints reference
// policies by name; the registry is populated once at startup and read
// on every authorized request.
//
// PolicyRegistry is safe for concurrent use by multiple goroutines.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyRegistry creates a registry pre-populated with the built-in
// policies. The super-admin decision is already resolved on the
// UserContext at projection time, so the built-ins need no configuration.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]Policy)}
	r.Register(PolicySuperAdmin, RequireSuperAdmin())
	r.Register(PolicyPlatformAdmin, RequirePlatformAdmin())
	r.Register(PolicyMfa, RequireMfa())
	r.Register(PolicyInternalService, InternalService())
	return r
}

// Register adds or replaces a named policy. Replacing is deliberate:
// services override built-ins (Mfa in particular) with deployment
// specific predicates.
func (r *PolicyRegistry) Register(name string, policy Policy) {
	r.mu.Lock()
	r.policies[name] = policy
	r.mu.Unlock()
}

// Names returns the registered policy names, sorted.
func (r *PolicyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs the named policy against the identity. An unknown policy
// name is a configuration error, not a denial; it is surfaced distinctly
// so a typo in an endpoint annotation fails loudly.
func (r *PolicyRegistry) Evaluate(name string, uc *UserContext) error {
	r.mu.RLock()
	policy, ok := r.policies[name]
	r.mu.RUnlock()

	if !ok {
		return herr.Newf(herr.CodeInternalConfiguration,
			"auth: policy %q is not registered", name)
	}
	if uc == nil || !policy(uc) {
		return herr.Newf(herr.CodeAuthzPolicyDenied,
			"auth: policy %q denied the request", name)
	}
	return nil
}

// RequireSuperAdmin returns a policy satisfied only by identities holding
// the configured super-admin role.
func RequireSuperAdmin() Policy {
	return func(uc *UserContext) bool {
		return uc.IsSuperAdmin()
	}
}

// RequirePlatformAdmin returns a policy satisfied by the "Admin" role or
// by super-admins.
func RequirePlatformAdmin() Policy {
	return func(uc *UserContext) bool {
		return uc.IsSuperAdmin() || uc.HasRole("Admin")
	}
}

// RequireMfa returns the default multi-factor policy: satisfied when the
// token's authentication-methods claim ("amr") contains "mfa". Deployments
// with different identity providers override it via [PolicyRegistry.Register].
func RequireMfa() Policy {
	return func(uc *UserContext) bool {
		for _, method := range claimStrings(uc.claims["amr"]) {
			if strings.EqualFold(method, "mfa") {
				return true
			}
		}
		return false
	}
}

// InternalService returns a policy satisfied only by app-only identities,
// recognized by the absence of delegated scopes.
func InternalService() Policy {
	return func(uc *UserContext) bool {
		return len(uc.scopes) == 0
	}
}

// RequireRole returns a policy satisfied by identities holding the given
// role (case-insensitive) or by super-admins.
func RequireRole(role string) Policy {
	return func(uc *UserContext) bool {
		return uc.IsSuperAdmin() || uc.HasRole(role)
	}
}

// RequireScope returns a policy satisfied by identities carrying the
// given delegated scope.
func RequireScope(scope string) Policy {
	return func(uc *UserContext) bool {
		return uc.HasScope(scope)
	}
}
