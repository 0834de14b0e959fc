package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"laudos/internal/access"
	"laudos/internal/db"
	"laudos/internal/domain"
)

var entryFields = []string{"id", "batch_id", "tenant_id", "requested_by", "status", "phase", "attempts", "last_error", "claimed_at", "created_at", "updated_at"}

func entryColumns(alias string) string {
	if alias == "" {
		return strings.Join(entryFields, ",")
	}
	cols := make([]string, len(entryFields))
	for i, f := range entryFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ",")
}

func scanEntry(row scanner) (domain.EmissionEntry, error) {
	var e domain.EmissionEntry
	var status, phase string
	var lastErr, claimedAt sql.NullString
	err := row.Scan(&e.ID, &e.BatchID, &e.TenantID, &e.RequestedBy, &status, &phase, &e.Attempts, &lastErr, &claimedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, errors.Wrap(err, "scan emission entry")
	}
	e.Status = domain.EntryStatus(status)
	e.Phase = domain.EntryPhase(phase)
	e.LastError = strPtr(lastErr)
	e.ClaimedAt = strPtr(claimedAt)
	return e, nil
}

// optionalEntry turns ErrNotFound into a false ok flag.
func optionalEntry(e domain.EmissionEntry, err error) (domain.EmissionEntry, bool, error) {
	if errors.Is(err, ErrNotFound) {
		return domain.EmissionEntry{}, false, nil
	}
	if err != nil {
		return domain.EmissionEntry{}, false, err
	}
	return e, true, nil
}

// InsertEntry adds a pending entry. The in-flight partial unique index turns a
// concurrent second insert into ErrDuplicateInFlight.
func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.EmissionEntry) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO emission_queue(batch_id,tenant_id,requested_by,status,phase,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?) RETURNING id`),
		e.BatchID, e.TenantID, e.RequestedBy, string(domain.EntryPending), string(domain.PhaseNone), e.Attempts, e.CreatedAt, e.UpdatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, errors.Wrapf(domain.ErrDuplicateInFlight, "batch %s", e.BatchID)
		}
		return 0, mapErr(err, "insert emission entry")
	}
	return id, nil
}

func (r Repo) GetEntry(ctx context.Context, tx *sql.Tx, id int64) (domain.EmissionEntry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, r.q(`SELECT `+entryColumns("")+` FROM emission_queue WHERE id=?`), id))
	if errors.Is(err, ErrNotFound) {
		return e, errors.Wrapf(ErrNotFound, "emission entry %d", id)
	}
	return e, err
}

// InFlightEntry returns the pending or processing entry of a batch, if any.
func (r Repo) InFlightEntry(ctx context.Context, tx *sql.Tx, batchID string) (domain.EmissionEntry, bool, error) {
	return optionalEntry(scanEntry(tx.QueryRowContext(ctx, r.q(`SELECT `+entryColumns("")+` FROM emission_queue WHERE batch_id=? AND status IN (?,?)`),
		batchID, string(domain.EntryPending), string(domain.EntryProcessing))))
}

// LatestEntry returns the most recent entry of a batch, if any.
func (r Repo) LatestEntry(ctx context.Context, tx *sql.Tx, batchID string) (domain.EmissionEntry, bool, error) {
	return optionalEntry(scanEntry(tx.QueryRowContext(ctx, r.q(`SELECT `+entryColumns("")+` FROM emission_queue WHERE batch_id=? ORDER BY id DESC LIMIT 1`), batchID)))
}

// PendingEntries returns up to limit pending entries, oldest first. On
// PostgreSQL rows locked by another claimer are skipped.
func (r Repo) PendingEntries(ctx context.Context, tx *sql.Tx, limit int) ([]domain.EmissionEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+entryColumns("")+` FROM emission_queue WHERE status=? ORDER BY created_at, id LIMIT ?`+r.Dialect.SkipLocked()),
		string(domain.EntryPending), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending entries")
	}
	return collectEntries(rows)
}

// ClaimEntry moves a pending entry to processing and returns its new attempt count.
func (r Repo) ClaimEntry(ctx context.Context, tx *sql.Tx, id int64, now string) (int, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE emission_queue SET status=?, phase=?, attempts=attempts+1, claimed_at=?, updated_at=? WHERE id=? AND status=?`),
		string(domain.EntryProcessing), string(domain.PhaseNone), now, now, id, string(domain.EntryPending))
	if err != nil {
		return 0, mapErr(err, "claim emission entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errors.Wrapf(domain.ErrClaimLost, "entry %d", id)
	}
	var attempts int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT attempts FROM emission_queue WHERE id=?`), id).Scan(&attempts); err != nil {
		return 0, errors.Wrap(err, "read attempts")
	}
	return attempts, nil
}

// SetEntryPhase records a progress hint for a claim that is still held.
func (r Repo) SetEntryPhase(ctx context.Context, tx *sql.Tx, id int64, attempts int, phase domain.EntryPhase, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE emission_queue SET phase=?, updated_at=? WHERE id=? AND status=? AND attempts=?`),
		string(phase), now, id, string(domain.EntryProcessing), attempts)
	if err != nil {
		return mapErr(err, "set entry phase")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrClaimLost, "entry %d attempt %d", id, attempts)
	}
	return nil
}

// FinishEntry writes a terminal status for the claim identified by (id, attempts).
func (r Repo) FinishEntry(ctx context.Context, tx *sql.Tx, id int64, attempts int, status domain.EntryStatus, lastErr *string, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE emission_queue SET status=?, last_error=?, updated_at=? WHERE id=? AND status=? AND attempts=?`),
		string(status), nullableStr(lastErr), now, id, string(domain.EntryProcessing), attempts)
	if err != nil {
		return mapErr(err, "finish emission entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrClaimLost, "entry %d attempt %d", id, attempts)
	}
	return nil
}

// RequeueEntry returns e to pending if it is still in the status and attempt
// it was read with. note is kept as last_error.
func (r Repo) RequeueEntry(ctx context.Context, tx *sql.Tx, e domain.EmissionEntry, note *string, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE emission_queue SET status=?, phase=?, claimed_at=NULL, last_error=?, updated_at=? WHERE id=? AND status=? AND attempts=?`),
		string(domain.EntryPending), string(domain.PhaseNone), nullableStr(note), now, e.ID, string(e.Status), e.Attempts)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(domain.ErrDuplicateInFlight, "batch %s", e.BatchID)
		}
		return mapErr(err, "requeue emission entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrClaimLost, "entry %d changed concurrently", e.ID)
	}
	return nil
}

// FailPendingEntries fails every pending entry of a batch and returns how many.
func (r Repo) FailPendingEntries(ctx context.Context, tx *sql.Tx, batchID, reason, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE emission_queue SET status=?, last_error=?, updated_at=? WHERE batch_id=? AND status=?`),
		string(domain.EntryFailed), reason, now, batchID, string(domain.EntryPending))
	if err != nil {
		return 0, mapErr(err, "fail pending entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StaleEntries returns processing entries claimed before cutoff.
func (r Repo) StaleEntries(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.EmissionEntry, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+entryColumns("")+` FROM emission_queue WHERE status=? AND claimed_at < ? ORDER BY claimed_at, id`),
		string(domain.EntryProcessing), cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list stale entries")
	}
	return collectEntries(rows)
}

type EntryFilter struct {
	BatchID string
	Status  domain.EntryStatus
	Limit   int
}

// ListEntries returns queue entries visible to ac, newest first.
func (r Repo) ListEntries(ctx context.Context, tx *sql.Tx, ac access.Context, f EntryFilter) ([]domain.EmissionEntry, error) {
	scope, args := scopeClause(ac, "b")
	query := `SELECT ` + entryColumns("q") + ` FROM emission_queue q JOIN batches b ON b.id = q.batch_id WHERE ` + scope
	if f.BatchID != "" {
		query += ` AND q.batch_id=?`
		args = append(args, f.BatchID)
	}
	if f.Status != "" {
		query += ` AND q.status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY q.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list emission entries")
	}
	return collectEntries(rows)
}

// CountEntriesByStatus returns the queue depth per status.
func (r Repo) CountEntriesByStatus(ctx context.Context, tx *sql.Tx) (map[domain.EntryStatus]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM emission_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count emission entries")
	}
	defer rows.Close()
	res := map[domain.EntryStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "count emission entries")
		}
		res[domain.EntryStatus(status)] = n
	}
	return res, errors.Wrap(rows.Err(), "count emission entries")
}

func collectEntries(rows *sql.Rows) ([]domain.EmissionEntry, error) {
	defer rows.Close()
	var res []domain.EmissionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, errors.Wrap(rows.Err(), "read emission entries")
}
