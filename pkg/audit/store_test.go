package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioscloud/trust-core/internal/testutil"
	"github.com/helioscloud/trust-core/pkg/clients/postgres"
	herr "github.com/helioscloud/trust-core/pkg/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	client := postgres.NewFromPool(mock, &postgres.Config{Database: "audit"})
	store, err := NewPostgresStore(client, StoreConfig{})
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStoreTableName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	client := postgres.NewFromPool(mock, nil)

	t.Run("default applied", func(t *testing.T) {
		store, err := NewPostgresStore(client, StoreConfig{})
		require.NoError(t, err)
		assert.Equal(t, DefaultTableName, store.tableName)
		assert.Equal(t, DefaultRetention, store.retention)
	})

	t.Run("custom name accepted", func(t *testing.T) {
		store, err := NewPostgresStore(client, StoreConfig{TableName: "admin_audit_v2"})
		require.NoError(t, err)
		assert.Equal(t, "admin_audit_v2", store.tableName)
	})

	t.Run("injection-shaped name rejected", func(t *testing.T) {
		_, err := NewPostgresStore(client, StoreConfig{TableName: "audit; DROP TABLE users"})
		testutil.RequireErrorCode(t, err, herr.CodeValidationFormat)
	})

	t.Run("uppercase rejected", func(t *testing.T) {
		_, err := NewPostgresStore(client, StoreConfig{TableName: "AuditEntries"})
		testutil.RequireErrorCode(t, err, herr.CodeValidationFormat)
	})
}

func TestPostgresStoreProvision(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	for i := 0; i < 5; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.Provision(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)

	entry := NewEntry()
	entry.Action = "tenant.delete"
	entry.TargetType = "tenants"
	entry.TargetID = "42"
	entry.AdminUserID = "admin-1"
	entry.Service = "example-service"
	entry.Method = "DELETE"
	entry.Path = "/api/tenants/42"
	entry.StatusCode = 204
	entry.Result = ResultSuccess
	entry.Details = map[string]any{"reason": "offboarding"}

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(
			entry.ID, entry.Timestamp, "tenant.delete", "tenants", "42",
			"admin-1", "", "example-service", "DELETE", "/api/tenants/42",
			204, "success", "", "", "", "", "", "",
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Insert(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(errors.New("connection refused"))

	entry := NewEntry()
	entry.AdminUserID = "admin-1"
	err := store.Insert(context.Background(), entry)
	testutil.RequireErrorCode(t, err, herr.CodeInternalDatabase)
}

func TestPostgresStorePurgeExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	client := postgres.NewFromPool(mock, nil)

	store, err := NewPostgresStore(client, StoreConfig{Retention: 24 * time.Hour})
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM audit_entries WHERE ts").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	removed, err := store.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
