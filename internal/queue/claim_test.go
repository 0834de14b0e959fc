package queue_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/config"
	"laudos/internal/db"
	"laudos/internal/queue"
	"laudos/internal/repo"
)

var (
	entryCols = []string{"id", "batch_id", "tenant_id", "requested_by", "status", "phase", "attempts", "last_error", "claimed_at", "created_at", "updated_at"}
	batchCols = []string{"id", "tenant_id", "organization_id", "title", "ordinal", "state", "released_by", "cancel_reason", "created_at", "released_at", "completed_at", "cancelled_at", "updated_at"}
)

const stamp = "2024-03-01T12:00:00.000000Z"

func TestClaimNextSkipsLockedBatch(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	q := queue.New(repo.Repo{DB: conn, Dialect: db.Postgres}, config.QueueConfig{}, nil)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM emission_queue WHERE status=$1 ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED")).
		WithArgs("pending", 16).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(int64(1), "b1", "t1", "ana", "pending", "", int64(0), nil, nil, stamp, stamp).
			AddRow(int64(2), "b2", "t1", "ana", "pending", "", int64(0), nil, nil, stamp, stamp))
	lockBatch := regexp.QuoteMeta("FROM batches WHERE id=$1 AND 1=1 FOR UPDATE SKIP LOCKED")
	// b1 is held by another claimer
	mock.ExpectQuery(lockBatch).WithArgs("b1").WillReturnRows(sqlmock.NewRows(batchCols))
	mock.ExpectQuery(lockBatch).WithArgs("b2").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b2", "t1", nil, "Q1", int64(2), "emission_requested", "ana", nil, stamp, stamp, stamp, nil, stamp))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE emission_queue SET status=$1")).
		WithArgs("processing", "", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2), "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM emission_queue WHERE id=$1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET state=$1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	c, ok, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b2", c.Batch.ID)
	assert.Equal(t, int64(2), c.Entry.ID)
	assert.Equal(t, 1, c.Attempt())
	assert.Equal(t, "sealing", string(c.Batch.State))
	require.NoError(t, mock.ExpectationsWereMet())
}
