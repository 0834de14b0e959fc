package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"laudos/internal/domain"
)

const reportColumns = `id,tenant_id,status,content_hash,locator,size_bytes,issued_by,sealed_at,delivered_at,created_at,updated_at`

func scanReport(row scanner) (domain.Report, error) {
	var rep domain.Report
	var status string
	var hash, locator, issuedBy, sealedAt, deliveredAt sql.NullString
	var size sql.NullInt64
	err := row.Scan(&rep.ID, &rep.TenantID, &status, &hash, &locator, &size, &issuedBy, &sealedAt, &deliveredAt, &rep.CreatedAt, &rep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, errors.Wrap(err, "scan report")
	}
	rep.Status = domain.ReportStatus(status)
	rep.ContentHash = strPtr(hash)
	rep.Locator = strPtr(locator)
	rep.IssuedBy = strPtr(issuedBy)
	rep.SealedAt = strPtr(sealedAt)
	rep.DeliveredAt = strPtr(deliveredAt)
	if size.Valid {
		n := size.Int64
		rep.SizeBytes = &n
	}
	return rep, nil
}

// InsertReport reserves the placeholder report of a new batch.
func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO reports(id,tenant_id,status,created_at,updated_at) VALUES (?,?,?,?,?)`),
		rep.ID, rep.TenantID, string(domain.ReportPlaceholder), rep.CreatedAt, rep.UpdatedAt)
	return mapErr(err, "insert report")
}

func (r Repo) GetReport(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	return r.getReport(ctx, tx, id, "")
}

func (r Repo) LockReport(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	return r.getReport(ctx, tx, id, r.Dialect.LockRow())
}

func (r Repo) getReport(ctx context.Context, tx *sql.Tx, id, lock string) (domain.Report, error) {
	rep, err := scanReport(tx.QueryRowContext(ctx, r.q(`SELECT `+reportColumns+` FROM reports WHERE id=?`+lock), id))
	if errors.Is(err, ErrNotFound) {
		return rep, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return rep, err
}

// SealReport writes the content hash and locator onto a placeholder report.
// A report that is no longer a placeholder yields ErrAlreadySealed.
func (r Repo) SealReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE reports SET status=?, content_hash=?, locator=?, size_bytes=?, issued_by=?, sealed_at=?, updated_at=? WHERE id=? AND status=?`),
		string(domain.ReportSealed), nullableStr(rep.ContentHash), nullableStr(rep.Locator), rep.SizeBytes,
		nullableStr(rep.IssuedBy), nullableStr(rep.SealedAt), rep.UpdatedAt, rep.ID, string(domain.ReportPlaceholder))
	if err != nil {
		return mapErr(err, "seal report")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrAlreadySealed, "report %s", rep.ID)
	}
	return nil
}

func (r Repo) MarkReportDelivered(ctx context.Context, tx *sql.Tx, id, deliveredAt string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE reports SET status=?, delivered_at=?, updated_at=? WHERE id=? AND status=?`),
		string(domain.ReportDelivered), deliveredAt, deliveredAt, id, string(domain.ReportSealed))
	if err != nil {
		return mapErr(err, "deliver report")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrInvalidTransition, "report %s is not sealed", id)
	}
	return nil
}

// ListSealedUndelivered returns sealed reports awaiting delivery, oldest seal first.
func (r Repo) ListSealedUndelivered(ctx context.Context, tx *sql.Tx, limit int) ([]domain.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+reportColumns+` FROM reports WHERE status=? ORDER BY sealed_at, id LIMIT ?`),
		string(domain.ReportSealed), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list sealed reports")
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, errors.Wrap(rows.Err(), "list sealed reports")
}
