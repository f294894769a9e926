// Package audit records administrative actions performed through Helios
// Cloud Platform services. Every state-changing request made by an
// administrator produces an immutable audit entry describing who did what
// to which resource, stamped with correlation and trace identifiers.
//
// The [Interceptor] HTTP middleware captures entries automatically; the
// [Store] interface persists them. Audit writes are best-effort by
// contract: a failed insert is logged and dropped, never retried, and
// never fails the request it describes.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Result classifies the outcome of an audited action.
type Result string

const (
	// ResultSuccess marks an action whose response status was below 400.
	ResultSuccess Result = "success"

	// ResultFail marks an action that returned an error status or
	// panicked.
	ResultFail Result = "fail"
)

// Entry is one immutable audit record. Entries are written once and never
// updated; corrections are new entries.
type Entry struct {
	// ID uniquely identifies the entry.
	ID uuid.UUID `json:"id"`

	// Timestamp is when the action completed.
	Timestamp time.Time `json:"timestamp"`

	// Action names what was done, e.g. "tenant.delete" for a self-logged
	// action or "DELETE /api/tenants/42" when auto-derived.
	Action string `json:"action"`

	// TargetType is the kind of resource acted on, e.g. "tenants".
	TargetType string `json:"target_type,omitempty"`

	// TargetID identifies the specific resource acted on.
	TargetID string `json:"target_id,omitempty"`

	// AdminUserID is the acting administrator's user identifier.
	AdminUserID string `json:"admin_user_id"`

	// AdminEmail is the acting administrator's e-mail, when known.
	AdminEmail string `json:"admin_email,omitempty"`

	// Service is the name of the service that recorded the entry.
	Service string `json:"service"`

	// Method is the HTTP method of the audited request.
	Method string `json:"method"`

	// Path is the request path of the audited request.
	Path string `json:"path"`

	// StatusCode is the HTTP status the request completed with.
	StatusCode int `json:"status_code"`

	// Result is the success/fail classification of the action.
	Result Result `json:"result"`

	// CorrelationID links entries across services for one logical
	// operation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// RequestID identifies the specific request within this service.
	RequestID string `json:"request_id,omitempty"`

	// TraceID is the OpenTelemetry trace identifier, when a trace was
	// active.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span identifier, when a trace was
	// active.
	SpanID string `json:"span_id,omitempty"`

	// IP is the remote client address.
	IP string `json:"ip,omitempty"`

	// UserAgent is the client's User-Agent header.
	UserAgent string `json:"user_agent,omitempty"`

	// Details carries action-specific structured context.
	Details map[string]any `json:"details,omitempty"`
}

// NewEntry creates an Entry with a fresh ID and the current time.
func NewEntry() *Entry {
	return &Entry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
	}
}
