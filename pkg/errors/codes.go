package errors

// Code is a stable, machine-readable error code in CATEGORY_XXX form.
// Codes never change once assigned; clients and alerting rules may key
// off them.
type Code string

const (
	// Validation errors (VAL_xxx) - HTTP 400.

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field or setting is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a value has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// Authentication errors (AUTH_xxx) - HTTP 401.
	// Everything that means "this credential cannot be accepted", including
	// scope and client-allow-list failures (see package doc).

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthExpired indicates the token has expired.
	CodeAuthExpired Code = "AUTH_002"

	// CodeAuthInvalid indicates the token is malformed, has a bad
	// signature, or fails issuer/audience verification.
	CodeAuthInvalid Code = "AUTH_003"

	// CodeAuthInsufficientScope indicates a delegated token does not carry
	// the scope required by this deployment.
	CodeAuthInsufficientScope Code = "AUTH_004"

	// CodeAuthClientNotAllowed indicates the token's client application
	// identifier is not in the configured allow-list.
	CodeAuthClientNotAllowed Code = "AUTH_005"

	// CodeAuthDelegatedToken indicates a delegated (user-scoped) token was
	// presented to the internal-service scheme, which accepts only app-only
	// client-credential tokens.
	CodeAuthDelegatedToken Code = "AUTH_006"

	// CodeAuthKeySetUnavailable indicates the signing key set could not be
	// fetched or contained no keys. Validation cannot prove the token valid,
	// so this surfaces as an authentication failure rather than a 5xx.
	CodeAuthKeySetUnavailable Code = "AUTH_007"

	// Authorization errors (AUTHZ_xxx) - HTTP 403.

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthzPolicyDenied indicates a named authorization policy rejected
	// an authenticated identity.
	CodeAuthzPolicyDenied Code = "AUTHZ_002"

	// Not found errors (NF_xxx) - HTTP 404.

	// CodeNotFound indicates the requested resource does not exist.
	CodeNotFound Code = "NF_001"

	// Conflict errors (CONF_xxx) - HTTP 409.

	// CodeConflict indicates an operation conflicts with current state.
	CodeConflict Code = "CONF_001"

	// Internal errors (INT_xxx) - HTTP 500.

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates invalid or unsatisfiable
	// configuration. Startup configuration errors are fatal.
	CodeInternalConfiguration Code = "INT_003"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503.

	// CodeUnavailable indicates a service is temporarily unavailable.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service (database,
	// identity provider) is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504.

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the code (e.g., "AUTH", "VAL").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
