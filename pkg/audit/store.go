package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/helioscloud/trust-core/pkg/clients/postgres"
	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for audit spans.
const tracerName = "github.com/helioscloud/trust-core/pkg/audit"

// DefaultTableName is the audit table used when none is configured.
const DefaultTableName = "audit_entries"

// DefaultRetention is how long entries are kept before [PostgresStore.PurgeExpired]
// removes them.
const DefaultRetention = 365 * 24 * time.Hour

// Store persists audit entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert writes one entry. Implementations must not retry internally;
	// the caller treats failures as best-effort.
	Insert(ctx context.Context, entry *Entry) error
}

// tableNamePattern constrains table names to safe SQL identifiers, since
// the name is interpolated into DDL and DML text.
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// StoreConfig configures a [PostgresStore].
type StoreConfig struct {
	// TableName is the audit table. Defaults to [DefaultTableName]; must
	// match ^[a-z_][a-z0-9_]*$.
	TableName string `env:"TABLE_NAME" envDefault:"audit_entries" yaml:"tableName"`

	// Retention is how long entries are kept. Defaults to one year.
	Retention time.Duration `env:"RETENTION" envDefault:"8760h" yaml:"retention"`
}

// PostgresStore persists audit entries in a PostgreSQL table via the
// platform postgres client.
type PostgresStore struct {
	client    *postgres.Client
	tableName string
	retention time.Duration
	tracer    trace.Tracer
}

// NewPostgresStore creates a store over client. Call
// [PostgresStore.Provision] once at startup to create the table and
// indexes.
func NewPostgresStore(client *postgres.Client, cfg StoreConfig) (*PostgresStore, error) {
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if !tableNamePattern.MatchString(cfg.TableName) {
		return nil, herr.Newf(herr.CodeValidationFormat,
			"audit: table name %q is not a valid identifier", cfg.TableName)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &PostgresStore{
		client:    client,
		tableName: cfg.TableName,
		retention: cfg.Retention,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Provision creates the audit table and its indexes if they do not exist.
// Idempotent; run it at service startup.
func (s *PostgresStore) Provision(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "audit.Provision")
	defer span.End()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		admin_user_id TEXT NOT NULL,
		admin_email TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INT NOT NULL,
		result TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		details JSONB
	)`, s.tableName)

	if _, err := s.client.Exec(ctx, ddl); err != nil {
		return herr.Wrapf(err, herr.CodeInternalDatabase,
			"audit: failed to create table %q", s.tableName)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts DESC)",
			s.tableName, s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_admin ON %s (admin_user_id, ts DESC)",
			s.tableName, s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_action ON %s (action, ts DESC)",
			s.tableName, s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_target ON %s (target_type, target_id, ts DESC)",
			s.tableName, s.tableName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_correlation ON %s (correlation_id, ts DESC)",
			s.tableName, s.tableName),
	}
	for _, idx := range indexes {
		if _, err := s.client.Exec(ctx, idx); err != nil {
			return herr.Wrapf(err, herr.CodeInternalDatabase,
				"audit: failed to create index on %q", s.tableName)
		}
	}
	return nil
}

// Insert implements [Store].
func (s *PostgresStore) Insert(ctx context.Context, entry *Entry) error {
	ctx, span := s.tracer.Start(ctx, "audit.Insert")
	defer span.End()

	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return herr.Wrap(err, herr.CodeValidationFormat,
				"audit: failed to marshal entry details")
		}
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (
		id, ts, action, target_type, target_id,
		admin_user_id, admin_email, service, method, path,
		status_code, result, correlation_id, request_id,
		trace_id, span_id, ip, user_agent, details
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		s.tableName)

	_, err := s.client.Exec(ctx, stmt,
		entry.ID, entry.Timestamp, entry.Action, entry.TargetType, entry.TargetID,
		entry.AdminUserID, entry.AdminEmail, entry.Service, entry.Method, entry.Path,
		entry.StatusCode, string(entry.Result), entry.CorrelationID, entry.RequestID,
		entry.TraceID, entry.SpanID, entry.IP, entry.UserAgent, details,
	)
	if err != nil {
		return herr.Wrap(err, herr.CodeInternalDatabase,
			"audit: failed to insert entry")
	}
	return nil
}

// PurgeExpired deletes entries older than the configured retention and
// returns the number removed. Run it periodically from a maintenance job.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "audit.PurgeExpired")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.retention)
	stmt := fmt.Sprintf("DELETE FROM %s WHERE ts < $1", s.tableName)

	tag, err := s.client.Exec(ctx, stmt, cutoff)
	if err != nil {
		return 0, herr.Wrap(err, herr.CodeInternalDatabase,
			"audit: failed to purge expired entries")
	}
	return tag.RowsAffected(), nil
}
