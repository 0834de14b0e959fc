// Package sealing turns a claimed queue entry into a sealed report: render,
// hash, upload, then one transaction that seals report and batch and
// completes the entry.
package sealing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/events"
	"laudos/internal/logging"
	"laudos/internal/metrics"
	"laudos/internal/queue"
	"laudos/internal/repo"
)

// Renderer produces the report artifact for a batch.
type Renderer interface {
	Render(ctx context.Context, b domain.Batch, assessments []domain.Assessment) ([]byte, error)
}

// Storage persists artifacts under a key and returns a locator for them.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Exists(ctx context.Context, locator string) (bool, error)
}

type Service struct {
	Queue    *queue.Queue
	Repo     repo.Repo
	Events   events.Writer
	Renderer Renderer
	Storage  Storage
	Logger   *logrus.Entry
	Now      func() time.Time
}

func New(q *queue.Queue, renderer Renderer, storage Storage, logger *logrus.Entry) *Service {
	return &Service{
		Queue:    q,
		Repo:     q.Repo,
		Events:   events.Writer{Dialect: q.Repo.Dialect},
		Renderer: renderer,
		Storage:  storage,
		Logger:   logging.Component(logger, "sealing"),
		Now:      time.Now,
	}
}

// ObjectKey is the storage key of a report artifact.
func ObjectKey(reportID string) string {
	return "reports/" + reportID
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *logrus.Entry {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}

// Seal processes one claim. On failure the entry is marked failed with the
// error and the batch returns to emission_requested; nothing is written to
// the report.
func (s *Service) Seal(ctx context.Context, c queue.Claim) (domain.Report, error) {
	start := time.Now()
	l := s.log().WithFields(logrus.Fields{"batch": c.Batch.ID, "entry": c.Entry.ID, "attempt": c.Attempt()})
	rep, err := s.seal(ctx, c)
	if err == nil {
		metrics.Sealed("ok", start)
		l.WithField("hash", *rep.ContentHash).Info("report sealed")
		return rep, nil
	}
	if errors.Is(err, domain.ErrClaimLost) {
		metrics.Sealed("claim_lost", start)
		l.WithError(err).Warn("claim lost during sealing")
		return domain.Report{}, err
	}
	metrics.Sealed("failed", start)
	l.WithError(err).Error("sealing failed")
	if ferr := s.Queue.MarkFailed(ctx, c, err); ferr != nil {
		if errors.Is(ferr, domain.ErrClaimLost) {
			l.WithError(ferr).Warn("claim lost before failure was recorded")
		} else {
			return domain.Report{}, fmt.Errorf("%w (record failure: %v)", err, ferr)
		}
	}
	return domain.Report{}, err
}

func (s *Service) seal(ctx context.Context, c queue.Claim) (domain.Report, error) {
	sys := access.System(queue.WorkerPrincipal)
	if err := s.Queue.SetPhase(ctx, c, domain.PhaseRendering); err != nil {
		return domain.Report{}, err
	}
	var (
		b           domain.Batch
		assessments []domain.Assessment
	)
	err := s.Repo.ReadTx(ctx, sys, func(tx *sql.Tx) error {
		var err error
		if b, err = s.Repo.GetBatch(ctx, tx, sys, c.Batch.ID); err != nil {
			return err
		}
		rep, err := s.Repo.GetReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rep.Status != domain.ReportPlaceholder {
			return fmt.Errorf("report %s is %s: %w", rep.ID, rep.Status, domain.ErrAlreadySealed)
		}
		assessments, err = s.Repo.ListAssessments(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return domain.Report{}, err
	}

	data, err := s.Renderer.Render(ctx, b, assessments)
	if err != nil {
		return domain.Report{}, fmt.Errorf("%w: %v", domain.ErrRenderFailure, err)
	}
	hash := Hash(data)

	if err := s.Queue.SetPhase(ctx, c, domain.PhaseUploading); err != nil {
		return domain.Report{}, err
	}
	locator, err := s.Storage.Put(ctx, ObjectKey(b.ID), data)
	if err != nil {
		return domain.Report{}, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	var sealed domain.Report
	err = s.Repo.InTx(ctx, sys, func(tx *sql.Tx) error {
		b, err := s.Repo.LockBatch(ctx, tx, sys, c.Batch.ID)
		if err != nil {
			return err
		}
		rep, err := s.Repo.LockReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rep.Status != domain.ReportPlaceholder {
			return fmt.Errorf("report %s is %s: %w", rep.ID, rep.Status, domain.ErrAlreadySealed)
		}
		if err := domain.EnsureBatchTransition(b.ID, b.State, domain.BatchSealed); err != nil {
			return err
		}
		now := domain.Timestamp(s.now())
		size := int64(len(data))
		issuer := c.Entry.RequestedBy
		rep.Status = domain.ReportSealed
		rep.ContentHash = &hash
		rep.Locator = &locator
		rep.SizeBytes = &size
		rep.IssuedBy = &issuer
		rep.SealedAt = &now
		rep.UpdatedAt = now
		if err := s.Repo.SealReport(ctx, tx, rep); err != nil {
			return err
		}
		from := b.State
		b.State = domain.BatchSealed
		b.UpdatedAt = now
		if err := s.Repo.UpdateBatch(ctx, tx, b, from); err != nil {
			return err
		}
		if err := s.Queue.MarkSucceeded(ctx, tx, c); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, events.ReportSealed, b.TenantID, "report", rep.ID, queue.WorkerPrincipal, events.EventPayload{
			"content_hash": hash,
			"locator":      locator,
			"size_bytes":   size,
		}); err != nil {
			return err
		}
		sealed = rep
		return nil
	})
	if err != nil {
		return domain.Report{}, err
	}
	metrics.Transition(string(domain.BatchSealed))
	return sealed, nil
}

// Verification is the outcome of re-hashing a stored report.
type Verification struct {
	ReportID string `json:"report_id"`
	Locator  string `json:"locator"`
	Expected string `json:"expected_hash"`
	Actual   string `json:"actual_hash"`
	Match    bool   `json:"match"`
}

// Verify reads the sealed artifact back from storage and compares its digest
// with the hash recorded at sealing.
func (s *Service) Verify(ctx context.Context, ac access.Context, batchID string) (Verification, error) {
	var rep domain.Report
	err := s.Repo.ReadTx(ctx, ac, func(tx *sql.Tx) error {
		if _, err := s.Repo.GetBatch(ctx, tx, ac, batchID); err != nil {
			return err
		}
		var err error
		rep, err = s.Repo.GetReport(ctx, tx, batchID)
		return err
	})
	if err != nil {
		return Verification{}, err
	}
	if rep.ContentHash == nil || rep.Locator == nil {
		return Verification{}, domain.TransitionError{Entity: "report", From: string(rep.Status), To: "verified", Reason: "report is not sealed"}
	}
	data, err := s.Storage.Get(ctx, *rep.Locator)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	v := Verification{
		ReportID: rep.ID,
		Locator:  *rep.Locator,
		Expected: *rep.ContentHash,
		Actual:   Hash(data),
	}
	v.Match = v.Expected == v.Actual
	return v, nil
}
