package errors

import (
	"errors"
)

// AsError extracts an *Error from err's chain. Returns nil and false if no
// *Error is present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the *Error in err's chain, or "" if err is
// nil or carries no *Error.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// isCategory reports whether err carries an *Error in the given category.
func isCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a validation error (VAL_xxx).
func IsValidation(err error) bool { return isCategory(err, "VAL") }

// IsAuthentication reports whether err is an authentication error
// (AUTH_xxx). Scope and client-allow-list failures fall in this category;
// handlers respond 401.
func IsAuthentication(err error) bool { return isCategory(err, "AUTH") }

// IsAuthorization reports whether err is an authorization error
// (AUTHZ_xxx). Policy denials fall in this category; handlers respond 403.
func IsAuthorization(err error) bool { return isCategory(err, "AUTHZ") }

// IsNotFound reports whether err is a not-found error (NF_xxx).
func IsNotFound(err error) bool { return isCategory(err, "NF") }

// IsInternal reports whether err is an internal error (INT_xxx).
func IsInternal(err error) bool { return isCategory(err, "INT") }

// IsUnavailable reports whether err is an unavailable error (UNAVAIL_xxx).
func IsUnavailable(err error) bool { return isCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool { return isCategory(err, "TIMEOUT") }

// IsRetryable reports whether the operation that produced err may be
// retried. Only timeout and unavailable errors are retryable.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL":
		return true
	default:
		return false
	}
}
