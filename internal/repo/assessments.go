package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"laudos/internal/db"
	"laudos/internal/domain"
)

const assessmentColumns = `id,batch_id,tenant_id,subject_id,state,exclusion_reason,completed_at,created_at,updated_at`

func scanAssessment(row scanner) (domain.Assessment, error) {
	var a domain.Assessment
	var state string
	var reason, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.BatchID, &a.TenantID, &a.SubjectID, &state, &reason, &completedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, errors.Wrap(err, "scan assessment")
	}
	a.State = domain.AssessmentState(state)
	a.ExclusionReason = strPtr(reason)
	a.CompletedAt = strPtr(completedAt)
	return a, nil
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO assessments(`+assessmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		a.ID, a.BatchID, a.TenantID, a.SubjectID, string(a.State), nullableStr(a.ExclusionReason),
		nullableStr(a.CompletedAt), a.CreatedAt, a.UpdatedAt)
	if err != nil && db.IsUniqueViolation(err) {
		return domain.Validationf("subject %s already assigned to batch %s", a.SubjectID, a.BatchID)
	}
	return mapErr(err, "insert assessment")
}

// GetAssessment reads an assessment without scope filtering; callers check
// visibility through the owning batch.
func (r Repo) GetAssessment(ctx context.Context, tx *sql.Tx, id string) (domain.Assessment, error) {
	a, err := scanAssessment(tx.QueryRowContext(ctx, r.q(`SELECT `+assessmentColumns+` FROM assessments WHERE id=?`), id))
	if errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("assessment %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (r Repo) UpdateAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment, from domain.AssessmentState) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE assessments SET state=?, exclusion_reason=?, completed_at=?, updated_at=? WHERE id=? AND state=?`),
		string(a.State), nullableStr(a.ExclusionReason), nullableStr(a.CompletedAt), a.UpdatedAt, a.ID, string(from))
	if err != nil {
		return mapErr(err, "update assessment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TransitionError{Entity: "assessment", From: string(from), To: string(a.State), Reason: "assessment changed concurrently"}
	}
	return nil
}

func (r Repo) ListAssessments(ctx context.Context, tx *sql.Tx, batchID string) ([]domain.Assessment, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+assessmentColumns+` FROM assessments WHERE batch_id=? ORDER BY subject_id, id`), batchID)
	if err != nil {
		return nil, errors.Wrap(err, "list assessments")
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, errors.Wrap(rows.Err(), "list assessments")
}

// TallyAssessments counts the batch's assessments by state.
func (r Repo) TallyAssessments(ctx context.Context, tx *sql.Tx, batchID string) (domain.Tally, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT state, COUNT(*) FROM assessments WHERE batch_id=? GROUP BY state`), batchID)
	if err != nil {
		return domain.Tally{}, errors.Wrap(err, "tally assessments")
	}
	defer rows.Close()
	var t domain.Tally
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return domain.Tally{}, errors.Wrap(err, "tally assessments")
		}
		switch domain.AssessmentState(state) {
		case domain.AssessmentDraft:
			t.Draft = n
		case domain.AssessmentInProgress:
			t.InProgress = n
		case domain.AssessmentCompleted:
			t.Completed = n
		case domain.AssessmentExcluded:
			t.Excluded = n
		}
		t.Total += n
	}
	return t, errors.Wrap(rows.Err(), "tally assessments")
}
