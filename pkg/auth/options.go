package auth

import (
	"net/url"
	"strings"
	"time"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// Provider names selecting how validation parameters are discovered.
const (
	// ProviderCIAM discovers issuer and key-set URL from the identity
	// provider's OpenID Connect metadata document, resolved from the
	// configured authority (and tenant, for multi-tenant authorities).
	ProviderCIAM = "ciam"

	// ProviderJWT validates against directly configured issuer and
	// key-set URL with no discovery step.
	ProviderJWT = "jwt"
)

// Options configures token validation for one authentication scheme.
// Load it with the config package under the AUTH env prefix:
//
//	opts := config.MustLoad[auth.Options](config.New().WithEnvPrefix("AUTH"))
//
// The zero value is not usable; call [Options.Validate] (done by the
// loader) before constructing validators from it.
type Options struct {
	// Provider selects the discovery mode: "ciam" or "jwt".
	Provider string `env:"PROVIDER" envDefault:"ciam" yaml:"provider"`

	// Authority is the identity provider base URL ("ciam" provider).
	Authority string `env:"AUTHORITY" yaml:"authority"`

	// TenantID qualifies a bare multi-tenant authority ("ciam" provider).
	TenantID string `env:"TENANT_ID" yaml:"tenantId"`

	// MetadataAddress overrides the discovery document URL derived from
	// the authority ("ciam" provider, optional).
	MetadataAddress string `env:"METADATA_ADDRESS" yaml:"metadataAddress"`

	// Issuer is the expected token issuer ("jwt" provider; optional for
	// "ciam", where discovery supplies it).
	Issuer string `env:"ISSUER" yaml:"issuer"`

	// JWKSURL is the signing key set URL ("jwt" provider).
	JWKSURL string `env:"JWKS_URL" yaml:"jwksUrl"`

	// Audience is the expected token audience. Required: a deployment
	// that verifies no audience accepts tokens issued for other APIs.
	Audience string `env:"AUDIENCE" yaml:"audience"`

	// RequiredScope must appear in every delegated token's scope claim.
	// Required. Ignored by the internal-service scheme.
	RequiredScope string `env:"REQUIRED_SCOPE" yaml:"requiredScope"`

	// AllowedClientIDs restricts which client applications may present
	// delegated tokens. Empty disables the check.
	AllowedClientIDs []string `env:"ALLOWED_CLIENT_IDS" yaml:"allowedClientIds"`

	// UserIDClaim names the claim holding the unique user identifier.
	UserIDClaim string `env:"USER_ID_CLAIM" envDefault:"sub" yaml:"userIdClaim"`

	// EmailClaims is the ordered list of claim names tried for the
	// user's e-mail address.
	EmailClaims []string `env:"EMAIL_CLAIMS" envDefault:"email,emails" yaml:"emailClaims"`

	// RolesClaim names the claim holding the user's roles.
	RolesClaim string `env:"ROLES_CLAIM" envDefault:"roles" yaml:"rolesClaim"`

	// TenantClaim names the claim holding the tenant identifier.
	TenantClaim string `env:"TENANT_CLAIM" envDefault:"tid" yaml:"tenantClaim"`

	// SuperAdminRole is the role name granting platform-wide admin.
	SuperAdminRole string `env:"SUPERADMIN_ROLE" envDefault:"SuperAdmin" yaml:"superAdminRole"`

	// StreamingTokenPathPrefix enables the access_token query-string
	// fallback for requests under this path prefix. Empty disables the
	// fallback entirely.
	StreamingTokenPathPrefix string `env:"STREAMING_TOKEN_PATH_PREFIX" yaml:"streamingTokenPathPrefix"`

	// ClockSkew is the leeway applied to time-based claim checks.
	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"2m" yaml:"clockSkew"`

	// KeySetRefreshInterval is how long fetched signing keys are served
	// before a background refresh is attempted.
	KeySetRefreshInterval time.Duration `env:"KEYSET_REFRESH_INTERVAL" envDefault:"6h" yaml:"keySetRefreshInterval"`
}

// applyDefaults fills claim-name and timing defaults on a zero-ish
// Options so that values built in code (not via the loader) behave the
// same as loaded ones.
func (o *Options) applyDefaults() {
	if o.Provider == "" {
		o.Provider = ProviderCIAM
	}
	if o.UserIDClaim == "" {
		o.UserIDClaim = "sub"
	}
	if len(o.EmailClaims) == 0 {
		o.EmailClaims = []string{"email", "emails"}
	}
	if o.RolesClaim == "" {
		o.RolesClaim = "roles"
	}
	if o.TenantClaim == "" {
		o.TenantClaim = "tid"
	}
	if o.SuperAdminRole == "" {
		o.SuperAdminRole = "SuperAdmin"
	}
	if o.ClockSkew == 0 {
		o.ClockSkew = 2 * time.Minute
	}
	if o.KeySetRefreshInterval == 0 {
		o.KeySetRefreshInterval = 6 * time.Hour
	}
}

// Validate checks cross-field consistency. Called automatically when the
// Options are loaded through the config package.
func (o *Options) Validate() error {
	o.applyDefaults()

	switch o.Provider {
	case ProviderCIAM:
		if o.Authority == "" && o.MetadataAddress == "" {
			return herr.New(herr.CodeValidationRequired,
				"auth: provider \"ciam\" requires AUTHORITY or METADATA_ADDRESS")
		}
	case ProviderJWT:
		if o.Issuer == "" {
			return herr.New(herr.CodeValidationRequired,
				"auth: provider \"jwt\" requires ISSUER")
		}
		if o.JWKSURL == "" {
			return herr.New(herr.CodeValidationRequired,
				"auth: provider \"jwt\" requires JWKS_URL")
		}
	default:
		return herr.Newf(herr.CodeValidation,
			"auth: unknown provider %q (expected %q or %q)",
			o.Provider, ProviderCIAM, ProviderJWT)
	}

	if o.Audience == "" {
		return herr.New(herr.CodeValidationRequired,
			"auth: AUDIENCE is required")
	}
	if o.RequiredScope == "" {
		return herr.New(herr.CodeValidationRequired,
			"auth: REQUIRED_SCOPE is required")
	}

	if o.Authority != "" {
		if _, err := url.Parse(o.Authority); err != nil {
			return herr.Wrapf(err, herr.CodeValidationFormat,
				"auth: invalid authority URL %q", o.Authority)
		}
	}
	if o.ClockSkew < 0 {
		return herr.New(herr.CodeValidation, "auth: clock skew must not be negative")
	}
	if o.KeySetRefreshInterval <= 0 {
		return herr.New(herr.CodeValidation,
			"auth: key set refresh interval must be positive")
	}
	return nil
}

// MetadataURL returns the OpenID Connect discovery document URL for the
// "ciam" provider: the configured metadata address if set, otherwise the
// well-known path under the resolved authority.
func (o *Options) MetadataURL() (string, error) {
	if o.MetadataAddress != "" {
		return o.MetadataAddress, nil
	}
	authority, err := ResolveAuthority(o.Authority, o.TenantID)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(authority, "/") + "/.well-known/openid-configuration", nil
}
