// Package queue implements the durable emission queue. Each batch owns at
// most one pending or processing entry; workers claim entries oldest first
// and hold a claim as long as the entry's (status, attempts) pair is unchanged.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"laudos/internal/access"
	"laudos/internal/config"
	"laudos/internal/domain"
	"laudos/internal/events"
	"laudos/internal/logging"
	"laudos/internal/metrics"
	"laudos/internal/repo"
)

// WorkerPrincipal is the principal recorded for queue-driven transitions.
const WorkerPrincipal = "laudos-worker"

// claimScan bounds how many pending entries one claim looks at.
const claimScan = 16

type Queue struct {
	Repo   repo.Repo
	Events events.Writer
	Config config.QueueConfig
	Logger *logrus.Entry
	Now    func() time.Time
}

func New(r repo.Repo, cfg config.QueueConfig, logger *logrus.Entry) *Queue {
	return &Queue{
		Repo:   r,
		Events: events.Writer{Dialect: r.Dialect},
		Config: cfg,
		Logger: logging.Component(logger, "queue"),
		Now:    time.Now,
	}
}

// Claim is a processing entry held by one worker.
type Claim struct {
	Entry domain.EmissionEntry
	Batch domain.Batch
}

// Attempt is the claim token: the entry's attempt count when it was claimed.
func (c Claim) Attempt() int { return c.Entry.Attempts }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) log() *logrus.Entry {
	if q.Logger == nil {
		return logging.Nop()
	}
	return q.Logger
}

func (q *Queue) system() access.Context {
	return access.System(WorkerPrincipal)
}

func (q *Queue) truncate(msg string) string {
	return truncateUTF8(msg, q.Config.LastErrorMaxLen)
}

// truncateUTF8 cuts msg to at most n bytes without splitting a rune.
func truncateUTF8(msg string, n int) string {
	if n <= 0 || len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

// Enqueue requests emission of a completed batch. The entry insert and the
// batch transition to emission_requested commit together.
func (q *Queue) Enqueue(ctx context.Context, ac access.Context, batchID string) (domain.EmissionEntry, error) {
	var entry domain.EmissionEntry
	err := q.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		b, err := q.Repo.LockBatch(ctx, tx, ac, batchID)
		if err != nil {
			return err
		}
		if entry, err = q.insertLocked(ctx, tx, ac, b); err != nil {
			return err
		}
		return q.Events.Append(ctx, tx, events.EmissionRequested, b.TenantID, "batch", b.ID, ac.PrincipalID(), events.EventPayload{
			"entry_id": entry.ID,
		})
	})
	switch {
	case err == nil:
		metrics.Enqueue("ok")
		metrics.Transition(string(domain.BatchEmissionRequested))
	case errors.Is(err, domain.ErrDuplicateInFlight):
		metrics.Enqueue("duplicate")
	default:
		metrics.Enqueue("rejected")
	}
	if err != nil {
		return domain.EmissionEntry{}, err
	}
	return entry, nil
}

// insertLocked adds a pending entry for the locked batch b and moves it to
// emission_requested.
func (q *Queue) insertLocked(ctx context.Context, tx *sql.Tx, ac access.Context, b domain.Batch) (domain.EmissionEntry, error) {
	if _, ok, err := q.Repo.InFlightEntry(ctx, tx, b.ID); err != nil {
		return domain.EmissionEntry{}, err
	} else if ok {
		return domain.EmissionEntry{}, fmt.Errorf("batch %s: %w", b.ID, domain.ErrDuplicateInFlight)
	}
	if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchEmissionRequested); err != nil {
		return domain.EmissionEntry{}, err
	}
	now := domain.Timestamp(q.now())
	entry := domain.EmissionEntry{
		BatchID:     b.ID,
		TenantID:    b.TenantID,
		RequestedBy: ac.PrincipalID(),
		Status:      domain.EntryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var err error
	if entry.ID, err = q.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.EmissionEntry{}, err
	}
	from := b.State
	b.State = domain.BatchEmissionRequested
	b.UpdatedAt = now
	if err := q.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
		return domain.EmissionEntry{}, err
	}
	return entry, nil
}

// ClaimNext claims the oldest pending entry and moves its batch to sealing.
// ok is false when nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context) (Claim, bool, error) {
	sys := q.system()
	var claim Claim
	found := false
	err := q.Repo.InTx(ctx, sys, func(tx *sql.Tx) error {
		candidates, err := q.Repo.PendingEntries(ctx, tx, claimScan)
		if err != nil {
			return err
		}
		for _, entry := range candidates {
			b, ok, err := q.Repo.TryLockBatch(ctx, tx, sys, entry.BatchID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			now := domain.Timestamp(q.now())
			if b.State != domain.BatchEmissionRequested {
				if err := q.dropOrphan(ctx, tx, entry, b, now); err != nil {
					return err
				}
				continue
			}
			if entry.Attempts, err = q.Repo.ClaimEntry(ctx, tx, entry.ID, now); err != nil {
				return err
			}
			entry.Status = domain.EntryProcessing
			entry.Phase = domain.PhaseNone
			entry.ClaimedAt = &now
			entry.UpdatedAt = now
			from := b.State
			b.State = domain.BatchSealing
			b.UpdatedAt = now
			if err := q.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
				return err
			}
			if err := q.Events.Append(ctx, tx, events.EmissionClaimed, b.TenantID, "batch", b.ID, sys.PrincipalID(), events.EventPayload{
				"entry_id": entry.ID,
				"attempt":  entry.Attempts,
			}); err != nil {
				return err
			}
			claim = Claim{Entry: entry, Batch: b}
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		metrics.Claim("error")
		return Claim{}, false, err
	}
	if !found {
		metrics.Claim("empty")
		return Claim{}, false, nil
	}
	metrics.Claim("ok")
	metrics.Transition(string(domain.BatchSealing))
	return claim, true, nil
}

// dropOrphan fails a pending entry whose batch is no longer waiting for emission.
func (q *Queue) dropOrphan(ctx context.Context, tx *sql.Tx, entry domain.EmissionEntry, b domain.Batch, now string) error {
	msg := fmt.Sprintf("batch is %s, not %s", b.State, domain.BatchEmissionRequested)
	q.log().WithFields(logrus.Fields{"entry": entry.ID, "batch": b.ID}).Warn("dropping orphaned queue entry: " + msg)
	attempts, err := q.Repo.ClaimEntry(ctx, tx, entry.ID, now)
	if err != nil {
		return err
	}
	return q.Repo.FinishEntry(ctx, tx, entry.ID, attempts, domain.EntryFailed, &msg, now)
}

// SetPhase records which sealing step the claim holder is in.
func (q *Queue) SetPhase(ctx context.Context, c Claim, phase domain.EntryPhase) error {
	return q.Repo.InTx(ctx, q.system(), func(tx *sql.Tx) error {
		return q.Repo.SetEntryPhase(ctx, tx, c.Entry.ID, c.Attempt(), phase, domain.Timestamp(q.now()))
	})
}

// MarkSucceeded completes the claim inside the caller's sealing transaction.
func (q *Queue) MarkSucceeded(ctx context.Context, tx *sql.Tx, c Claim) error {
	now := domain.Timestamp(q.now())
	if err := q.Repo.FinishEntry(ctx, tx, c.Entry.ID, c.Attempt(), domain.EntrySucceeded, nil, now); err != nil {
		return err
	}
	return q.Events.Append(ctx, tx, events.EmissionSucceeded, c.Batch.TenantID, "batch", c.Batch.ID, WorkerPrincipal, events.EventPayload{
		"entry_id": c.Entry.ID,
		"attempt":  c.Attempt(),
	})
}

// MarkFailed records cause on the claimed entry and returns its batch to
// emission_requested so it can be reprocessed.
func (q *Queue) MarkFailed(ctx context.Context, c Claim, cause error) error {
	sys := q.system()
	msg := q.truncate(cause.Error())
	return q.Repo.InTx(ctx, sys, func(tx *sql.Tx) error {
		b, err := q.Repo.LockBatch(ctx, tx, sys, c.Batch.ID)
		if err != nil {
			return err
		}
		now := domain.Timestamp(q.now())
		if err := q.Repo.FinishEntry(ctx, tx, c.Entry.ID, c.Attempt(), domain.EntryFailed, &msg, now); err != nil {
			return err
		}
		if err := q.revertSealing(ctx, tx, b, now); err != nil {
			return err
		}
		return q.Events.Append(ctx, tx, events.EmissionFailed, b.TenantID, "batch", b.ID, sys.PrincipalID(), events.EventPayload{
			"entry_id": c.Entry.ID,
			"attempt":  c.Attempt(),
			"error":    msg,
		})
	})
}

func (q *Queue) revertSealing(ctx context.Context, tx *sql.Tx, b domain.Batch, now string) error {
	if b.State != domain.BatchSealing {
		return nil
	}
	b.State = domain.BatchEmissionRequested
	b.UpdatedAt = now
	return q.Repo.UpdateBatch(ctx, tx, b, domain.BatchSealing)
}

func (q *Queue) stale(e domain.EmissionEntry) bool {
	if e.Status != domain.EntryProcessing || e.ClaimedAt == nil {
		return false
	}
	claimed, err := domain.ParseTimestamp(*e.ClaimedAt)
	if err != nil {
		return false
	}
	return q.now().Sub(claimed) >= q.Config.StaleAfter
}

func (q *Queue) attemptsExhausted(e domain.EmissionEntry) bool {
	return q.Config.MaxAttempts > 0 && e.Attempts >= q.Config.MaxAttempts
}

// Reprocess puts a failed emission back in the queue. A processing entry is
// only superseded once it is stale; a sealed batch is never reprocessed.
func (q *Queue) Reprocess(ctx context.Context, ac access.Context, batchID string) (domain.EmissionEntry, error) {
	var entry domain.EmissionEntry
	err := q.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		b, err := q.Repo.LockBatch(ctx, tx, ac, batchID)
		if err != nil {
			return err
		}
		if entry, err = q.requeueLocked(ctx, tx, b, true); err != nil {
			return err
		}
		return q.Events.Append(ctx, tx, events.EmissionReprocessed, b.TenantID, "batch", b.ID, ac.PrincipalID(), events.EventPayload{
			"entry_id": entry.ID,
			"attempts": entry.Attempts,
		})
	})
	if err != nil {
		return domain.EmissionEntry{}, err
	}
	return entry, nil
}

// requeueLocked returns the locked batch's failed or stale entry to pending.
// The attempt ceiling applies only when capped is set.
func (q *Queue) requeueLocked(ctx context.Context, tx *sql.Tx, b domain.Batch, capped bool) (domain.EmissionEntry, error) {
	switch {
	case b.State.Sealed():
		return domain.EmissionEntry{}, fmt.Errorf("batch %s is %s: %w", b.ID, b.State, domain.ErrAlreadySucceeded)
	case b.State != domain.BatchEmissionRequested && b.State != domain.BatchSealing:
		return domain.EmissionEntry{}, domain.TransitionError{Entity: "batch", From: string(b.State), To: string(domain.BatchEmissionRequested), Reason: "no emission to reprocess"}
	}
	now := domain.Timestamp(q.now())
	var (
		entry domain.EmissionEntry
		note  *string
	)
	inflight, ok, err := q.Repo.InFlightEntry(ctx, tx, b.ID)
	if err != nil {
		return domain.EmissionEntry{}, err
	}
	if ok {
		if !q.stale(inflight) {
			return domain.EmissionEntry{}, fmt.Errorf("batch %s entry %d is %s: %w", b.ID, inflight.ID, inflight.Status, domain.ErrDuplicateInFlight)
		}
		entry = inflight
		msg := fmt.Sprintf("claim from attempt %d superseded by reprocess", inflight.Attempts)
		note = &msg
	} else {
		latest, ok, err := q.Repo.LatestEntry(ctx, tx, b.ID)
		if err != nil {
			return domain.EmissionEntry{}, err
		}
		if !ok || latest.Status != domain.EntryFailed {
			return domain.EmissionEntry{}, domain.TransitionError{Entity: "batch", From: string(b.State), To: string(domain.BatchEmissionRequested), Reason: "no failed emission to reprocess"}
		}
		entry = latest
	}
	if capped && q.attemptsExhausted(entry) {
		return domain.EmissionEntry{}, fmt.Errorf("batch %s after %d attempts: %w", b.ID, entry.Attempts, domain.ErrRetryLimitReached)
	}
	if err := q.Repo.RequeueEntry(ctx, tx, entry, note, now); err != nil {
		return domain.EmissionEntry{}, err
	}
	entry.Status = domain.EntryPending
	entry.Phase = domain.PhaseNone
	entry.ClaimedAt = nil
	entry.LastError = note
	entry.UpdatedAt = now
	if err := q.revertSealing(ctx, tx, b, now); err != nil {
		return domain.EmissionEntry{}, err
	}
	return entry, nil
}

// MinForceReason is the shortest accepted justification for a forced emission.
const MinForceReason = 20

// ForceEmission is the audited emergency path. A completed batch is enqueued
// directly; a failed or stale emission is requeued even past
// queue.max_attempts. The reason is recorded on the emission.forced event.
func (q *Queue) ForceEmission(ctx context.Context, ac access.Context, batchID, reason string) (domain.EmissionEntry, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < MinForceReason {
		return domain.EmissionEntry{}, domain.Validationf("force reason must have at least %d characters", MinForceReason)
	}
	var entry domain.EmissionEntry
	err := q.Repo.InTx(ctx, ac, func(tx *sql.Tx) error {
		b, err := q.Repo.LockBatch(ctx, tx, ac, batchID)
		if err != nil {
			return err
		}
		if b.State == domain.BatchCompleted {
			entry, err = q.insertLocked(ctx, tx, ac, b)
		} else {
			entry, err = q.requeueLocked(ctx, tx, b, false)
		}
		if err != nil {
			return err
		}
		return q.Events.Append(ctx, tx, events.EmissionForced, b.TenantID, "batch", b.ID, ac.PrincipalID(), events.EventPayload{
			"entry_id": entry.ID,
			"attempts": entry.Attempts,
			"reason":   reason,
		})
	})
	if err != nil {
		return domain.EmissionEntry{}, err
	}
	q.log().WithFields(logrus.Fields{"batch": batchID, "principal": ac.PrincipalID(), "entry": entry.ID}).Warn("emission forced")
	return entry, nil
}

type ReapResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// ReapStale returns entries stuck in processing past Config.StaleAfter to
// pending, or fails them when their attempts are exhausted.
func (q *Queue) ReapStale(ctx context.Context) (ReapResult, error) {
	sys := q.system()
	cutoff := domain.Timestamp(q.now().Add(-q.Config.StaleAfter))
	var stale []domain.EmissionEntry
	if err := q.Repo.InTx(ctx, sys, func(tx *sql.Tx) error {
		var err error
		stale, err = q.Repo.StaleEntries(ctx, tx, cutoff)
		return err
	}); err != nil {
		return ReapResult{}, err
	}
	var res ReapResult
	for _, e := range stale {
		action := "requeued"
		err := q.Repo.InTx(ctx, sys, func(tx *sql.Tx) error {
			b, err := q.Repo.LockBatch(ctx, tx, sys, e.BatchID)
			if err != nil {
				return err
			}
			now := domain.Timestamp(q.now())
			msg := fmt.Sprintf("stale claim reaped after %s", q.Config.StaleAfter)
			if q.attemptsExhausted(e) {
				action = "failed"
				msg += "; retry limit reached"
				err = q.Repo.FinishEntry(ctx, tx, e.ID, e.Attempts, domain.EntryFailed, &msg, now)
			} else {
				err = q.Repo.RequeueEntry(ctx, tx, e, &msg, now)
			}
			if err != nil {
				return err
			}
			if err := q.revertSealing(ctx, tx, b, now); err != nil {
				return err
			}
			return q.Events.Append(ctx, tx, events.EmissionReaped, b.TenantID, "batch", b.ID, sys.PrincipalID(), events.EventPayload{
				"entry_id": e.ID,
				"attempts": e.Attempts,
				"action":   action,
			})
		})
		if errors.Is(err, domain.ErrClaimLost) {
			continue
		}
		if err != nil {
			return res, err
		}
		metrics.Reaped(action)
		q.log().WithFields(logrus.Fields{"entry": e.ID, "batch": e.BatchID, "action": action}).Warn("stale claim reaped")
		if action == "failed" {
			res.Failed++
		} else {
			res.Requeued++
		}
	}
	return res, nil
}

// List returns queue entries visible to ac, newest first.
func (q *Queue) List(ctx context.Context, ac access.Context, f repo.EntryFilter) ([]domain.EmissionEntry, error) {
	var res []domain.EmissionEntry
	err := q.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		var err error
		res, err = q.Repo.ListEntries(ctx, tx, ac, f)
		return err
	})
	return res, err
}

// Latest returns the batch's most recent entry; ok is false if it never entered the queue.
func (q *Queue) Latest(ctx context.Context, ac access.Context, batchID string) (domain.EmissionEntry, bool, error) {
	var (
		entry domain.EmissionEntry
		ok    bool
	)
	err := q.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		if _, err := q.Repo.GetBatch(ctx, tx, ac, batchID); err != nil {
			return err
		}
		var err error
		entry, ok, err = q.Repo.LatestEntry(ctx, tx, batchID)
		return err
	})
	return entry, ok, err
}

// Depth counts entries per status and publishes the queue gauge.
func (q *Queue) Depth(ctx context.Context) (map[domain.EntryStatus]int, error) {
	var res map[domain.EntryStatus]int
	err := q.Repo.ReadTx(ctx, q.system(), func(tx *sql.Tx) error {
		var err error
		res, err = q.Repo.CountEntriesByStatus(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	gauge := make(map[string]int, len(res))
	for s, n := range res {
		gauge[string(s)] = n
	}
	metrics.QueueDepth(gauge)
	return res, nil
}
