package auth

import (
	"net/url"
	"strings"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// authorityVersionSegment marks an already-resolved authority path.
const authorityVersionSegment = "v2.0"

// ResolveAuthority normalizes an identity provider authority URL into the
// fully qualified form used for issuer matching and metadata discovery.
// The resolution is deterministic and idempotent: feeding its own output
// back in returns the same value.
//
// Shapes handled, by the authority's path:
//
//   - no path: a bare multi-tenant root. tenantID is required and the
//     result is authority/{tenantID}/v2.0.
//   - last segment already "v2.0": returned unchanged.
//   - single segment equal to tenantID: "/v2.0" is appended.
//   - anything else: treated as a fixed issuer and returned unchanged.
//
// Trailing slashes are trimmed before inspection.
func ResolveAuthority(authority, tenantID string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(authority), "/")
	if trimmed == "" {
		return "", herr.New(herr.CodeValidationRequired, "auth: authority is required")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", herr.Wrapf(err, herr.CodeValidationFormat,
			"auth: invalid authority URL %q", authority)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", herr.Newf(herr.CodeValidationFormat,
			"auth: authority %q must be an absolute URL", authority)
	}

	segments := splitPathSegments(u.Path)

	switch {
	case len(segments) == 0:
		if tenantID == "" {
			return "", herr.New(herr.CodeValidationRequired,
				"auth: tenant ID is required with a bare multi-tenant authority")
		}
		return trimmed + "/" + tenantID + "/" + authorityVersionSegment, nil

	case segments[len(segments)-1] == authorityVersionSegment:
		return trimmed, nil

	case len(segments) == 1 && segments[0] == tenantID:
		return trimmed + "/" + authorityVersionSegment, nil

	default:
		return trimmed, nil
	}
}

// splitPathSegments returns the non-empty segments of a URL path.
func splitPathSegments(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
