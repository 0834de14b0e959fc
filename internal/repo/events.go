package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"laudos/internal/access"
	"laudos/internal/domain"
)

type EventFilter struct {
	// BatchID selects the batch's own events and those of its assessments.
	BatchID    string
	EntityKind string
	EntityID   string
	AfterID    int64
	Limit      int
}

// ListEvents returns audit events visible to ac in insertion order. Tenant
// scoped contexts only see their tenant's events; organization scoped ones
// additionally need the entity to belong to a visible batch.
func (r Repo) ListEvents(ctx context.Context, tx *sql.Tx, ac access.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	switch ac.Role().Scope() {
	case access.ScopeNone:
	case access.ScopeOrganization:
		scope, scopeArgs := scopeClause(ac, "b")
		query += ` AND EXISTS (SELECT 1 FROM batches b LEFT JOIN assessments a ON a.batch_id = b.id
WHERE (b.id = events.entity_id OR a.id = events.entity_id) AND ` + scope + `)`
		args = append(args, scopeArgs...)
	default:
		query += ` AND tenant_id=?`
		args = append(args, ac.TenantID())
	}
	if f.BatchID != "" {
		query += ` AND (entity_id=? OR entity_id IN (SELECT id FROM assessments WHERE batch_id=?))`
		args = append(args, f.BatchID, f.BatchID)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.TenantID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		res = append(res, ev)
	}
	return res, errors.Wrap(rows.Err(), "list events")
}
