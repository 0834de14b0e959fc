package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"laudos/internal/access"
	"laudos/internal/config"
	"laudos/internal/db"
	"laudos/internal/domain"
	"laudos/internal/events"
	"laudos/internal/logging"
	"laudos/internal/metrics"
	"laudos/internal/repo"
)

// Engine owns the batch and assessment state machines. Every operation takes
// the caller's access.Context and runs in one transaction bound to it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *logrus.Entry
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger *logrus.Entry) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		Logger: logging.Component(logger, "engine"),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.Timestamp(e.now())
}

func (e Engine) log() *logrus.Entry {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

func (e Engine) autoComplete() bool {
	return e.Config != nil && e.Config.Batches.AutoComplete
}

// BatchCreateOptions are parameters for creating a batch. TenantID and
// OrganizationID default to the caller's scope.
type BatchCreateOptions struct {
	ID             string
	TenantID       string
	OrganizationID string
	Title          string
}

// CreateBatch inserts a draft batch with the tenant's next ordinal and
// reserves its placeholder report under the same id.
func (e Engine) CreateBatch(ctx context.Context, ac access.Context, opts BatchCreateOptions) (domain.Batch, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Batch{}, domain.Validationf("title is required")
	}
	tenantID, orgID, err := creationScope(ac, opts)
	if err != nil {
		return domain.Batch{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	b := domain.Batch{
		ID:             id,
		TenantID:       tenantID,
		OrganizationID: optionalString(orgID),
		Title:          title,
		State:          domain.BatchDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		ordinal, err := e.Repo.NextOrdinal(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		b.Ordinal = ordinal
		if err := e.Repo.InsertBatch(ctx, tx, b); err != nil {
			return err
		}
		if err := e.Repo.InsertReport(ctx, tx, domain.Report{ID: b.ID, TenantID: b.TenantID, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BatchCreated, b.TenantID, "batch", b.ID, ac.PrincipalID(), events.EventPayload{
			"title":   b.Title,
			"ordinal": b.Ordinal,
		})
	})
	if err != nil {
		return domain.Batch{}, err
	}
	metrics.Transition(string(b.State))
	return b, nil
}

func creationScope(ac access.Context, opts BatchCreateOptions) (string, string, error) {
	tenantID := strings.TrimSpace(opts.TenantID)
	orgID := strings.TrimSpace(opts.OrganizationID)
	switch ac.Role().Scope() {
	case access.ScopeTenant:
		if tenantID != "" && tenantID != ac.TenantID() {
			return "", "", access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchCreate, Reason: "tenant outside scope"}
		}
		tenantID = ac.TenantID()
	case access.ScopeOrganization:
		if orgID != "" && orgID != ac.OrganizationID() {
			return "", "", access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchCreate, Reason: "organization outside scope"}
		}
		orgID = ac.OrganizationID()
		// the organization alone does not name a tenant
		if ac.TenantID() == "" {
			return "", "", access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchCreate, Reason: "organization context carries no tenant"}
		}
		if tenantID != "" && tenantID != ac.TenantID() {
			return "", "", access.ForbiddenError{Role: ac.Role(), Operation: access.OpBatchCreate, Reason: "tenant outside scope"}
		}
		tenantID = ac.TenantID()
	}
	if tenantID == "" {
		return "", "", domain.Validationf("tenant_id is required")
	}
	return tenantID, orgID, nil
}

// ReleaseBatch opens a draft batch for answers. At least one assessment that
// is not excluded must be assigned.
func (e Engine) ReleaseBatch(ctx context.Context, ac access.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.LockBatch(ctx, tx, ac, id)
		if err != nil {
			return err
		}
		if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchReleased); err != nil {
			return err
		}
		tally, err := e.Repo.TallyAssessments(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if tally.Active() == 0 {
			return domain.TransitionError{Entity: "batch", From: string(b.State), To: string(domain.BatchReleased), Reason: "no assessments assigned"}
		}
		from := b.State
		now := e.stamp()
		principal := ac.PrincipalID()
		b.State = domain.BatchReleased
		b.ReleasedAt = &now
		b.ReleasedBy = &principal
		b.UpdatedAt = now
		if err := e.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BatchReleased, b.TenantID, "batch", b.ID, principal, events.EventPayload{
			"assessments": tally.Active(),
		})
	})
	if err != nil {
		return domain.Batch{}, err
	}
	metrics.Transition(string(b.State))
	return b, nil
}

// CompleteBatch closes a released batch once no assessment is outstanding.
// Completing an already completed batch is a no-op.
func (e Engine) CompleteBatch(ctx context.Context, ac access.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	changed := false
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.LockBatch(ctx, tx, ac, id)
		if err != nil {
			return err
		}
		if b.State == domain.BatchCompleted {
			return nil
		}
		changed = true
		return e.completeLocked(ctx, tx, &b, ac.PrincipalID(), false)
	})
	if err != nil {
		return domain.Batch{}, err
	}
	if changed {
		metrics.Transition(string(b.State))
	}
	return b, nil
}

func (e Engine) completeLocked(ctx context.Context, tx *sql.Tx, b *domain.Batch, actorID string, auto bool) error {
	if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchCompleted); err != nil {
		return err
	}
	tally, err := e.Repo.TallyAssessments(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if !tally.Finished() {
		return domain.TransitionError{
			Entity: "batch", From: string(b.State), To: string(domain.BatchCompleted),
			Reason: fmt.Sprintf("%d of %d assessments outstanding", tally.Outstanding(), tally.Total),
		}
	}
	from := b.State
	now := e.stamp()
	b.State = domain.BatchCompleted
	b.CompletedAt = &now
	b.UpdatedAt = now
	if err := e.Repo.UpdateBatch(ctx, tx, *b, from); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.BatchCompleted, b.TenantID, "batch", b.ID, actorID, events.EventPayload{
		"completed": tally.Completed,
		"excluded":  tally.Excluded,
		"auto":      auto,
	})
}

// CancelBatch moves a batch to the cancelled terminal state and fails its
// pending queue entries. Sealed and delivered batches give ErrImmutableState.
// A batch in sealing gives ErrInvalidTransition: a claimed render is never
// interrupted, so the caller cancels after the claim fails or is reaped.
func (e Engine) CancelBatch(ctx context.Context, ac access.Context, id, reason string) (domain.Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Batch{}, domain.Validationf("cancel reason is required")
	}
	var b domain.Batch
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.LockBatch(ctx, tx, ac, id)
		if err != nil {
			return err
		}
		if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchCancelled); err != nil {
			return err
		}
		from := b.State
		now := e.stamp()
		b.State = domain.BatchCancelled
		b.CancelReason = &reason
		b.CancelledAt = &now
		b.UpdatedAt = now
		if err := e.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
			return err
		}
		failed, err := e.Repo.FailPendingEntries(ctx, tx, b.ID, "cancelled: "+reason, now)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BatchCancelled, b.TenantID, "batch", b.ID, ac.PrincipalID(), events.EventPayload{
			"from":            string(from),
			"reason":          reason,
			"entries_aborted": failed,
		})
	})
	if err != nil {
		return domain.Batch{}, err
	}
	metrics.Transition(string(b.State))
	e.log().WithFields(logrus.Fields{"batch": b.ID, "principal": ac.PrincipalID()}).Info("batch cancelled")
	return b, nil
}

// MarkDelivered records that the sealed report reached its delivery channel.
func (e Engine) MarkDelivered(ctx context.Context, ac access.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		b, err = e.Repo.LockBatch(ctx, tx, ac, id)
		if err != nil {
			return err
		}
		if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchDelivered); err != nil {
			return err
		}
		from := b.State
		now := e.stamp()
		if err := e.Repo.MarkReportDelivered(ctx, tx, b.ID, now); err != nil {
			return err
		}
		b.State = domain.BatchDelivered
		b.UpdatedAt = now
		if err := e.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BatchDelivered, b.TenantID, "batch", b.ID, ac.PrincipalID(), nil)
	})
	if err != nil {
		return domain.Batch{}, err
	}
	metrics.Transition(string(b.State))
	return b, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
