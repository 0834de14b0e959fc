package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"laudos/internal/db"
	"laudos/internal/domain"
)

const (
	BatchCreated        = "batch.created"
	BatchReleased       = "batch.released"
	BatchCompleted      = "batch.completed"
	BatchCancelled      = "batch.cancelled"
	BatchDelivered      = "batch.delivered"
	AssessmentAssigned  = "assessment.assigned"
	AssessmentStarted   = "assessment.started"
	AssessmentCompleted = "assessment.completed"
	AssessmentExcluded  = "assessment.excluded"
	EmissionRequested   = "emission.requested"
	EmissionClaimed     = "emission.claimed"
	EmissionSucceeded   = "emission.succeeded"
	EmissionFailed      = "emission.failed"
	EmissionReprocessed = "emission.reprocessed"
	EmissionReaped      = "emission.reaped"
	EmissionForced      = "emission.forced"
	ReportSealed        = "report.sealed"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		domain.Timestamp(w.Now()), evtType, nullable(tenantID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
