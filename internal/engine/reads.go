package engine

import (
	"context"
	"database/sql"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/progress"
	"laudos/internal/repo"
)

func (e Engine) GetBatch(ctx context.Context, ac access.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.GetBatch(ctx, tx, ac, id)
		return err
	})
	return b, err
}

func (e Engine) ListBatches(ctx context.Context, ac access.Context, f repo.BatchFilter) ([]domain.Batch, error) {
	var res []domain.Batch
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListBatches(ctx, tx, ac, f)
		return err
	})
	return res, err
}

// ListAssessments returns the assessments of a visible batch.
func (e Engine) ListAssessments(ctx context.Context, ac access.Context, batchID string) ([]domain.Assessment, error) {
	var res []domain.Assessment
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetBatch(ctx, tx, ac, batchID); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListAssessments(ctx, tx, batchID)
		return err
	})
	return res, err
}

// Tally reports how many assessments of the batch sit in each state.
func (e Engine) Tally(ctx context.Context, ac access.Context, batchID string) (domain.Tally, error) {
	var t domain.Tally
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetBatch(ctx, tx, ac, batchID); err != nil {
			return err
		}
		var err error
		t, err = e.Repo.TallyAssessments(ctx, tx, batchID)
		return err
	})
	return t, err
}

// Report returns the report reserved for the batch.
func (e Engine) Report(ctx context.Context, ac access.Context, batchID string) (domain.Report, error) {
	var rep domain.Report
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetBatch(ctx, tx, ac, batchID); err != nil {
			return err
		}
		var err error
		rep, err = e.Repo.GetReport(ctx, tx, batchID)
		return err
	})
	return rep, err
}

// Progress projects the batch's emission progress for polling clients.
func (e Engine) Progress(ctx context.Context, ac access.Context, batchID string) (progress.Projection, error) {
	var in progress.Input
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBatch(ctx, tx, ac, batchID)
		if err != nil {
			return err
		}
		rep, err := e.Repo.GetReport(ctx, tx, batchID)
		if err != nil {
			return err
		}
		in = progress.Input{BatchID: b.ID, BatchState: b.State, ReportStatus: rep.Status}
		entry, ok, err := e.Repo.LatestEntry(ctx, tx, batchID)
		if err != nil || !ok {
			return err
		}
		in.HasEntry = true
		in.EntryStatus = entry.Status
		in.EntryPhase = entry.Phase
		in.Attempts = entry.Attempts
		if entry.LastError != nil {
			in.LastError = *entry.LastError
		}
		return nil
	})
	if err != nil {
		return progress.Projection{}, err
	}
	return progress.Project(in), nil
}

// ListEvents returns the audit trail visible to ac.
func (e Engine) ListEvents(ctx context.Context, ac access.Context, f repo.EventFilter) ([]domain.Event, error) {
	var res []domain.Event
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListEvents(ctx, tx, ac, f)
		return err
	})
	return res, err
}

// PendingDeliveries lists sealed reports that have not been delivered yet.
// Only globally scoped contexts may call it.
func (e Engine) PendingDeliveries(ctx context.Context, ac access.Context, limit int) ([]domain.Report, error) {
	if !ac.Global() {
		return nil, access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchDeliver, Reason: "delivery scan requires platform scope"}
	}
	var res []domain.Report
	err := e.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListSealedUndelivered(ctx, tx, limit)
		return err
	})
	return res, err
}
