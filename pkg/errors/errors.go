// Package errors provides the coded error type shared by all Helios Cloud
// Platform services. Every failure that crosses a package boundary is a
// *Error carrying a stable machine-readable code, a human-readable message,
// an optional cause, and optional structured details.
//
// Codes are grouped into categories that map onto HTTP status codes:
//
//   - Validation (VAL_xxx)        -> 400
//   - Authentication (AUTH_xxx)   -> 401
//   - Authorization (AUTHZ_xxx)   -> 403
//   - Not found (NF_xxx)          -> 404
//   - Conflict (CONF_xxx)         -> 409
//   - Internal (INT_xxx)          -> 500
//   - Unavailable (UNAVAIL_xxx)   -> 503
//   - Timeout (TIMEOUT_xxx)       -> 504
//
// The trust subsystem deliberately files scope and client-allow-list
// failures under AUTH (401, not 403): a token without the required scope
// is treated as a credential problem, not a policy denial. Policy denials
// for an otherwise valid identity are AUTHZ (403).
//
// Create errors with New/Newf, wrap causes with Wrap/Wrapf:
//
//	return errors.New(errors.CodeAuthInsufficientScope,
//	    "auth: token is missing the required scope")
//
//	return errors.Wrap(err, errors.CodeAuthKeySetUnavailable,
//	    "auth: signing key set could not be fetched")
//
// Inspect errors with the category helpers:
//
//	if errors.IsAuthentication(err) { /* respond 401 */ }
package errors
