package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
	"laudos/internal/db"
	"laudos/internal/domain"
	"laudos/internal/repo"
)

func newMock(t *testing.T) (repo.Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return repo.Repo{DB: conn, Dialect: db.Postgres}, mock
}

func TestBeginAppliesAccessContextOnPostgres(t *testing.T) {
	r, mock := newMock(t)
	ac, err := access.New(access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('app.current_tenant', $1, true)")).
		WithArgs("t1", "", "tenant-admin", "ana", "tenant").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.InTx(context.Background(), ac, func(tx *sql.Tx) error { return nil }))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	r, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := r.InTx(context.Background(), access.System("worker"), func(tx *sql.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadTxNeverCommits(t *testing.T) {
	r, mock := newMock(t)
	ac, err := access.New(access.Principal{ID: "rh", Role: "tenant-hr-manager", OrganizationID: "org-a"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").
		WithArgs("", "org-a", "tenant-hr-manager", "rh", "organization").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	require.NoError(t, r.ReadTx(context.Background(), ac, func(tx *sql.Tx) error { return nil }))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginRequiresAccessContext(t *testing.T) {
	r, mock := newMock(t)
	_, err := r.Begin(context.Background(), access.Context{})
	require.ErrorIs(t, err, access.ErrUnauthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAPIKeyByHash(t *testing.T) {
	r, mock := newMock(t)
	cols := []string{"id", "principal_id", "role", "tenant_id", "organization_id", "name", "key_hash", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE key_hash=$1")).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("k1", "issuer", "report-issuer", "t1", nil, "ci", "h1", "2024-03-01T12:00:00.000000Z"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE key_hash=$1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	key, err := r.GetAPIKeyByHash(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "issuer", key.PrincipalID)
	require.NotNil(t, key.TenantID)
	assert.Equal(t, "t1", *key.TenantID)
	assert.Nil(t, key.OrganizationID)

	_, err = r.GetAPIKeyByHash(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAPIKeyValidates(t *testing.T) {
	r, _ := newMock(t)
	err := r.InsertAPIKey(context.Background(), domain.APIKey{ID: "k1", PrincipalID: "p", Role: "operator"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestHashAPIKeyTrims(t *testing.T) {
	assert.Equal(t, repo.HashAPIKey("lk_abc"), repo.HashAPIKey("  lk_abc\n"))
	assert.Len(t, repo.HashAPIKey("lk_abc"), 64)
}
