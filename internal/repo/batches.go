package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"laudos/internal/access"
	"laudos/internal/domain"
)

const batchColumns = `id,tenant_id,organization_id,title,ordinal,state,released_by,cancel_reason,created_at,released_at,completed_at,cancelled_at,updated_at`

func scanBatch(row scanner) (domain.Batch, error) {
	var b domain.Batch
	var org, releasedBy, cancelReason, releasedAt, completedAt, cancelledAt sql.NullString
	var state string
	err := row.Scan(&b.ID, &b.TenantID, &org, &b.Title, &b.Ordinal, &state, &releasedBy, &cancelReason,
		&b.CreatedAt, &releasedAt, &completedAt, &cancelledAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, errors.Wrap(err, "scan batch")
	}
	b.State = domain.BatchState(state)
	b.OrganizationID = strPtr(org)
	b.ReleasedBy = strPtr(releasedBy)
	b.CancelReason = strPtr(cancelReason)
	b.ReleasedAt = strPtr(releasedAt)
	b.CompletedAt = strPtr(completedAt)
	b.CancelledAt = strPtr(cancelledAt)
	return b, nil
}

// NextOrdinal allocates the tenant's next batch sequence number.
func (r Repo) NextOrdinal(ctx context.Context, tx *sql.Tx, tenantID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO tenant_sequences(tenant_id,last_ordinal) VALUES (?,1)
ON CONFLICT(tenant_id) DO UPDATE SET last_ordinal = tenant_sequences.last_ordinal + 1
RETURNING last_ordinal`), tenantID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "allocate batch ordinal")
	}
	return n, nil
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		b.ID, b.TenantID, nullableStr(b.OrganizationID), b.Title, b.Ordinal, string(b.State),
		nullableStr(b.ReleasedBy), nullableStr(b.CancelReason), b.CreatedAt,
		nullableStr(b.ReleasedAt), nullableStr(b.CompletedAt), nullableStr(b.CancelledAt), b.UpdatedAt)
	return mapErr(err, "insert batch")
}

// GetBatch reads a batch visible to ac.
func (r Repo) GetBatch(ctx context.Context, tx *sql.Tx, ac access.Context, id string) (domain.Batch, error) {
	return r.getBatch(ctx, tx, ac, id, "")
}

// LockBatch reads a batch visible to ac and holds its row lock until tx ends.
func (r Repo) LockBatch(ctx context.Context, tx *sql.Tx, ac access.Context, id string) (domain.Batch, error) {
	return r.getBatch(ctx, tx, ac, id, r.Dialect.LockRow())
}

// TryLockBatch locks a batch without waiting. ok is false when another
// transaction holds the row (PostgreSQL) or the batch is not visible.
func (r Repo) TryLockBatch(ctx context.Context, tx *sql.Tx, ac access.Context, id string) (domain.Batch, bool, error) {
	b, err := r.getBatch(ctx, tx, ac, id, r.Dialect.SkipLocked())
	if errors.Is(err, ErrNotFound) {
		return domain.Batch{}, false, nil
	}
	if err != nil {
		return domain.Batch{}, false, err
	}
	return b, true, nil
}

func (r Repo) getBatch(ctx context.Context, tx *sql.Tx, ac access.Context, id, lock string) (domain.Batch, error) {
	scope, args := scopeClause(ac, "")
	args = append([]any{id}, args...)
	b, err := scanBatch(tx.QueryRowContext(ctx, r.q(`SELECT `+batchColumns+` FROM batches WHERE id=? AND `+scope+lock), args...))
	if errors.Is(err, ErrNotFound) {
		return b, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return b, err
}

type BatchFilter struct {
	State domain.BatchState
	Limit int
}

func (r Repo) ListBatches(ctx context.Context, tx *sql.Tx, ac access.Context, f BatchFilter) ([]domain.Batch, error) {
	scope, args := scopeClause(ac, "")
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + scope
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY tenant_id, ordinal DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, errors.Wrap(rows.Err(), "list batches")
}

// UpdateBatch persists b's state and stamps if the row is still in state from.
func (r Repo) UpdateBatch(ctx context.Context, tx *sql.Tx, b domain.Batch, from domain.BatchState) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE batches SET state=?, released_by=?, cancel_reason=?, released_at=?, completed_at=?, cancelled_at=?, updated_at=? WHERE id=? AND state=?`),
		string(b.State), nullableStr(b.ReleasedBy), nullableStr(b.CancelReason), nullableStr(b.ReleasedAt),
		nullableStr(b.CompletedAt), nullableStr(b.CancelledAt), b.UpdatedAt, b.ID, string(from))
	if err != nil {
		return mapErr(err, "update batch")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TransitionError{Entity: "batch", From: string(from), To: string(b.State), Reason: "batch changed concurrently"}
	}
	return nil
}
