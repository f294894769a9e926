package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// Header names used by the HTTP middleware.
const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// queryTokenParam is the query-string parameter checked by the streaming
// token fallback.
const queryTokenParam = "access_token"

// bearerPrefix is the Authorization header scheme prefix, compared
// case-insensitively.
const bearerPrefix = "bearer "

// ExtractBearerToken returns the token portion of a "Bearer <token>"
// Authorization header value, or "" if the value does not carry a bearer
// token.
func ExtractBearerToken(header string) string {
	if len(header) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// TokenFromRequest extracts the bearer token for a request. The
// Authorization header always wins; the access_token query parameter is
// consulted only when the header is absent AND the request path falls
// under the configured streaming prefix (browser EventSource clients
// cannot set headers). An empty prefix disables the fallback.
func TokenFromRequest(r *http.Request, streamingPathPrefix string) string {
	if token := ExtractBearerToken(r.Header.Get(HeaderAuthorization)); token != "" {
		return token
	}
	if streamingPathPrefix == "" || !strings.HasPrefix(r.URL.Path, streamingPathPrefix) {
		return ""
	}
	return r.URL.Query().Get(queryTokenParam)
}

// RequestID returns middleware that assigns every request an identifier
// and a correlation identifier, honoring inbound X-Request-ID and
// X-Correlation-ID headers and generating UUIDs when absent. Both are
// stored in the context and echoed on the response.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			correlationID := r.Header.Get(HeaderCorrelationID)
			if correlationID == "" {
				correlationID = requestID
			}

			ctx := ContextWithRequestID(r.Context(), requestID)
			ctx = ContextWithCorrelationID(ctx, correlationID)

			w.Header().Set(HeaderRequestID, requestID)
			w.Header().Set(HeaderCorrelationID, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Middleware returns HTTP middleware that authenticates every request
// with the given validator and stores the resulting [UserContext] in the
// request context.
//
// A missing or invalid token produces a coded JSON error response with
// status 401 (or the error's own status, for key-set availability
// problems surfaced as authentication failures). Handlers behind this
// middleware can rely on [MustUserFromContext].
func Middleware(validator TokenValidator, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, opts.StreamingTokenPathPrefix)
			if token == "" {
				writeError(w, r, herr.Unauthorized("auth: missing bearer token"))
				return
			}

			uc, err := validator.Validate(r.Context(), token)
			if err != nil {
				slog.WarnContext(r.Context(), "auth: token validation failed",
					"error", err,
					"scheme", validator.Scheme(),
					"path", r.URL.Path,
				)
				writeError(w, r, err)
				return
			}

			ctx := ContextWithUser(r.Context(), uc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePolicy returns middleware that evaluates the named policy from
// the registry against the authenticated identity. An unauthenticated
// request gets 401; a denial gets 403. Place it after [Middleware].
func RequirePolicy(registry *PolicyRegistry, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc, ok := UserFromContext(r.Context())
			if !ok {
				writeError(w, r, herr.Unauthorized("auth: request is not authenticated"))
				return
			}
			if err := registry.Evaluate(name, uc); err != nil {
				if herr.IsAuthorization(err) {
					slog.WarnContext(r.Context(), "auth: policy denied request",
						"policy", name,
						"user_id", uc.UserID(),
						"path", r.URL.Path,
					)
				} else {
					slog.ErrorContext(r.Context(), "auth: policy evaluation failed",
						"policy", name,
						"error", err,
					)
				}
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorResponse is the JSON error body shape.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders err as a coded JSON error response. Non-coded errors
// map to a generic internal error so details never leak to callers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded := herr.FromError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(coded.HTTPStatus())
	if encodeErr := json.NewEncoder(w).Encode(errorResponse{
		Code:    coded.Code.String(),
		Message: coded.Message,
	}); encodeErr != nil {
		slog.ErrorContext(r.Context(), "auth: failed to encode error response",
			"error", encodeErr,
		)
	}
}
