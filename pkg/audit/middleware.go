package audit

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/helioscloud/trust-core/pkg/auth"
)

// auditStateKey is the context key for the per-request audit state.
type contextKey int

const auditStateKey contextKey = iota

// requestState accumulates audit information while a request is handled.
// Handlers may enrich it through [SetAction], [SetTarget], and [Details],
// or take over entirely with [MarkLogged].
type requestState struct {
	mu         sync.Mutex
	logged     bool
	action     string
	targetType string
	targetID   string
	details    map[string]any
}

// stateFromContext retrieves the request's audit state, or nil when the
// request is not being audited.
func stateFromContext(ctx context.Context) *requestState {
	state, _ := ctx.Value(auditStateKey).(*requestState)
	return state
}

// MarkLogged tells the interceptor the handler has recorded its own,
// richer audit entry, so no generic entry should be written for this
// request. No-op when the request is not being audited.
func MarkLogged(ctx context.Context) {
	if state := stateFromContext(ctx); state != nil {
		state.mu.Lock()
		state.logged = true
		state.mu.Unlock()
	}
}

// SetAction overrides the auto-derived action name for this request's
// audit entry.
func SetAction(ctx context.Context, action string) {
	if state := stateFromContext(ctx); state != nil {
		state.mu.Lock()
		state.action = action
		state.mu.Unlock()
	}
}

// SetTarget overrides the auto-derived target of this request's audit
// entry.
func SetTarget(ctx context.Context, targetType, targetID string) {
	if state := stateFromContext(ctx); state != nil {
		state.mu.Lock()
		state.targetType = targetType
		state.targetID = targetID
		state.mu.Unlock()
	}
}

// Details adds one structured detail to this request's audit entry.
func Details(ctx context.Context, key string, value any) {
	if state := stateFromContext(ctx); state != nil {
		state.mu.Lock()
		if state.details == nil {
			state.details = make(map[string]any)
		}
		state.details[key] = value
		state.mu.Unlock()
	}
}

// isAdmin reports whether the identity is subject to audit logging.
func isAdmin(uc *auth.UserContext) bool {
	return uc.IsSuperAdmin() || uc.HasRole("Admin")
}

// auditedMethod reports whether the HTTP method can change state. Reads
// are not audited.
func auditedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// Interceptor returns HTTP middleware that records an audit entry for
// every state-changing request made by an administrator. Place it after
// the authentication middleware.
//
// Requests are skipped when unauthenticated, when the identity is not an
// administrator, or when the method is GET, HEAD, or OPTIONS. A handler
// that records its own entry calls [MarkLogged] to suppress the generic
// one; the interceptor does not deduplicate beyond that marker.
//
// A panic in the handler produces a fail entry with status 500 before the
// panic is re-raised. Insert failures are logged and dropped; the audit
// trail is best-effort and never fails or retries the request it
// describes.
func Interceptor(store Store, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc, ok := auth.UserFromContext(r.Context())
			if !ok || !isAdmin(uc) || !auditedMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			state := &requestState{}
			ctx := context.WithValue(r.Context(), auditStateKey, state)
			r = r.WithContext(ctx)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				panicked := recover()

				state.mu.Lock()
				logged := state.logged
				state.mu.Unlock()

				status := recorder.status
				if panicked != nil {
					status = http.StatusInternalServerError
				}

				// A handler that marked itself logged owns the entry,
				// but a panic after marking still gets a fail record.
				if !logged || panicked != nil {
					entry := buildEntry(r, uc, state, serviceName, status)
					if err := store.Insert(ctx, entry); err != nil {
						slog.ErrorContext(ctx, "audit: failed to record entry",
							"error", err,
							"action", entry.Action,
							"admin_user_id", entry.AdminUserID,
						)
					}
				}

				if panicked != nil {
					panic(panicked)
				}
			}()

			next.ServeHTTP(recorder, r)
		})
	}
}

// buildEntry assembles the audit entry for a completed request.
func buildEntry(r *http.Request, uc *auth.UserContext, state *requestState, serviceName string, status int) *Entry {
	state.mu.Lock()
	action := state.action
	targetType := state.targetType
	targetID := state.targetID
	details := state.details
	state.mu.Unlock()

	if action == "" {
		action = r.Method + " " + r.URL.Path
	}
	if targetType == "" {
		targetType, targetID = deriveTarget(r.URL.Path)
	}

	result := ResultSuccess
	if status >= 400 {
		result = ResultFail
	}

	entry := NewEntry()
	entry.Action = action
	entry.TargetType = targetType
	entry.TargetID = targetID
	entry.AdminUserID = uc.UserID()
	entry.AdminEmail = uc.Email()
	entry.Service = serviceName
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.StatusCode = status
	entry.Result = result
	entry.IP = clientIP(r)
	entry.UserAgent = r.UserAgent()
	entry.Details = details

	if id, ok := auth.CorrelationIDFromContext(r.Context()); ok {
		entry.CorrelationID = id
	}
	if id, ok := auth.RequestIDFromContext(r.Context()); ok {
		entry.RequestID = id
	}
	if id, ok := auth.TraceIDFromContext(r.Context()); ok {
		entry.TraceID = id
	}
	if id, ok := auth.SpanIDFromContext(r.Context()); ok {
		entry.SpanID = id
	}
	return entry
}

// deriveTarget guesses the acted-on resource from the request path. The
// last path segment that follows a collection segment is treated as the
// resource identifier: /api/tenants/42 yields ("tenants", "42"), while a
// collection operation like /api/tenants yields ("tenants", "").
func deriveTarget(path string) (targetType, targetID string) {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return "", ""
	}
	last := segments[len(segments)-1]
	if len(segments) == 1 {
		return last, ""
	}
	prev := segments[len(segments)-2]
	// Heuristic: an id segment follows its collection name.
	if looksLikeID(last) {
		return prev, last
	}
	return last, ""
}

// looksLikeID reports whether a path segment reads as a resource
// identifier rather than a collection name: digits, UUIDs, or anything
// with a hyphen or long enough to be opaque.
func looksLikeID(segment string) bool {
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
		if r == '-' {
			return true
		}
	}
	return false
}

// clientIP extracts the remote address, preferring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for the audit entry.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WriteHeader records the status before delegating.
func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Write marks an implicit 200 on the first body write.
func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// Flush passes through to the underlying writer when it supports
// streaming responses.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through to the underlying writer so connection-upgrade
// handlers keep working behind the interceptor.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Push passes through HTTP/2 server push when the underlying writer
// supports it.
func (r *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := r.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}
