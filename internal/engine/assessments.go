package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/events"
	"laudos/internal/metrics"
)

// MinExclusionReason is the shortest accepted exclusion justification, in characters.
const MinExclusionReason = 10

type assessmentOp string

const (
	opAssign   assessmentOp = "assign"
	opStart    assessmentOp = "start"
	opComplete assessmentOp = "complete"
	opExclude  assessmentOp = "exclude"
)

// batch states in which each assessment operation is accepted
var assessmentOpStates = map[assessmentOp][]domain.BatchState{
	opAssign:   {domain.BatchDraft, domain.BatchReleased},
	opStart:    {domain.BatchReleased},
	opComplete: {domain.BatchReleased},
	opExclude:  {domain.BatchDraft, domain.BatchReleased, domain.BatchCompleted},
}

// ensureAssessmentWritable rejects assessment writes against a batch that no
// longer accepts them. Frozen batches report ImmutableState.
func ensureAssessmentWritable(b domain.Batch, op assessmentOp) error {
	if b.State.FreezesAssessments() {
		return domain.ImmutableError{Entity: "batch", ID: b.ID, State: string(b.State)}
	}
	for _, s := range assessmentOpStates[op] {
		if s == b.State {
			return nil
		}
	}
	return domain.TransitionError{Entity: "assessment", From: string(b.State), To: string(op), Reason: "batch does not accept " + string(op)}
}

type AssessmentAssignOptions struct {
	ID        string
	BatchID   string
	SubjectID string
}

// AssignAssessment adds a draft assessment for a subject to a batch.
func (e Engine) AssignAssessment(ctx context.Context, ac access.Context, opts AssessmentAssignOptions) (domain.Assessment, error) {
	subject := strings.TrimSpace(opts.SubjectID)
	if subject == "" {
		return domain.Assessment{}, domain.Validationf("subject_id is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	var a domain.Assessment
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		b, err := e.Repo.LockBatch(ctx, tx, ac, opts.BatchID)
		if err != nil {
			return err
		}
		if err := ensureAssessmentWritable(b, opAssign); err != nil {
			return err
		}
		now := e.stamp()
		a = domain.Assessment{
			ID:        id,
			BatchID:   b.ID,
			TenantID:  b.TenantID,
			SubjectID: subject,
			State:     domain.AssessmentDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.AssessmentAssigned, b.TenantID, "assessment", a.ID, ac.PrincipalID(), events.EventPayload{
			"batch_id":   b.ID,
			"subject_id": a.SubjectID,
		})
	})
	if err != nil {
		return domain.Assessment{}, err
	}
	return a, nil
}

func (e Engine) StartAssessment(ctx context.Context, ac access.Context, id string) (domain.Assessment, error) {
	return e.moveAssessment(ctx, ac, id, opStart, domain.AssessmentInProgress, "")
}

func (e Engine) CompleteAssessment(ctx context.Context, ac access.Context, id string) (domain.Assessment, error) {
	return e.moveAssessment(ctx, ac, id, opComplete, domain.AssessmentCompleted, "")
}

// ExcludeAssessment removes an assessment from completion accounting. The
// reason is kept for audit.
func (e Engine) ExcludeAssessment(ctx context.Context, ac access.Context, id, reason string) (domain.Assessment, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < MinExclusionReason {
		return domain.Assessment{}, domain.Validationf("exclusion reason must have at least %d characters", MinExclusionReason)
	}
	return e.moveAssessment(ctx, ac, id, opExclude, domain.AssessmentExcluded, reason)
}

func (e Engine) moveAssessment(ctx context.Context, ac access.Context, id string, op assessmentOp, to domain.AssessmentState, reason string) (domain.Assessment, error) {
	var a domain.Assessment
	autoCompleted := false
	err := e.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		a, err = e.Repo.GetAssessment(ctx, tx, id)
		if err != nil {
			return err
		}
		b, err := e.Repo.LockBatch(ctx, tx, ac, a.BatchID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("assessment %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := ensureAssessmentWritable(b, op); err != nil {
			return err
		}
		if err := domain.EnsureAssessmentTransition(a.State, to); err != nil {
			return err
		}
		from := a.State
		now := e.stamp()
		a.State = to
		a.UpdatedAt = now
		switch to {
		case domain.AssessmentCompleted:
			a.CompletedAt = &now
		case domain.AssessmentExcluded:
			a.ExclusionReason = &reason
		}
		if err := e.Repo.UpdateAssessment(ctx, tx, a, from); err != nil {
			return err
		}
		evt := map[domain.AssessmentState]string{
			domain.AssessmentInProgress: events.AssessmentStarted,
			domain.AssessmentCompleted:  events.AssessmentCompleted,
			domain.AssessmentExcluded:   events.AssessmentExcluded,
		}[to]
		payload := events.EventPayload{"batch_id": b.ID, "from": string(from)}
		if reason != "" {
			payload["reason"] = reason
		}
		if err := e.Events.Append(ctx, tx, evt, b.TenantID, "assessment", a.ID, ac.PrincipalID(), payload); err != nil {
			return err
		}
		if !e.autoComplete() || b.State != domain.BatchReleased || (to != domain.AssessmentCompleted && to != domain.AssessmentExcluded) {
			return nil
		}
		tally, err := e.Repo.TallyAssessments(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if !tally.Finished() {
			return nil
		}
		autoCompleted = true
		return e.completeLocked(ctx, tx, &b, ac.PrincipalID(), true)
	})
	if err != nil {
		return domain.Assessment{}, err
	}
	if autoCompleted {
		metrics.Transition(string(domain.BatchCompleted))
	}
	return a, nil
}
