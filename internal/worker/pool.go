// Package worker drains the emission queue with a bounded number of
// concurrent seals and reaps claims abandoned by crashed workers.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"laudos/internal/domain"
	"laudos/internal/logging"
	"laudos/internal/queue"
)

type Claimer interface {
	ClaimNext(ctx context.Context) (queue.Claim, bool, error)
}

type Sealer interface {
	Seal(ctx context.Context, c queue.Claim) (domain.Report, error)
}

type Pool struct {
	Claimer      Claimer
	Sealer       Sealer
	Workers      int
	PollInterval time.Duration
	Logger       *logrus.Entry
}

func (p *Pool) log() *logrus.Entry {
	if p.Logger == nil {
		return logging.Nop()
	}
	return p.Logger
}

func (p *Pool) workers() int64 {
	if p.Workers < 1 {
		return 1
	}
	return int64(p.Workers)
}

func (p *Pool) poll() time.Duration {
	if p.PollInterval <= 0 {
		return time.Second
	}
	return p.PollInterval
}

// seal runs one claim to completion. It is detached from ctx: a render that
// has started is never cancelled.
func (p *Pool) seal(ctx context.Context, c queue.Claim) {
	if _, err := p.Sealer.Seal(context.WithoutCancel(ctx), c); err != nil {
		p.log().WithFields(logrus.Fields{"batch": c.Batch.ID, "entry": c.Entry.ID}).WithError(err).Debug("worker: seal returned error")
	}
}

// Run polls the queue until ctx is done, keeping at most Workers seals in
// flight. In-flight seals are awaited before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(p.workers())
	var g errgroup.Group
	ticker := time.NewTicker(p.poll())
	defer ticker.Stop()

	p.log().WithField("workers", p.workers()).Info("worker: pool started")
	for {
		for sem.TryAcquire(1) {
			claim, ok, err := p.Claimer.ClaimNext(ctx)
			if err != nil || !ok {
				sem.Release(1)
				if err != nil && !errors.Is(err, context.Canceled) {
					p.log().WithError(err).Warn("worker: claim failed")
				}
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				p.seal(ctx, claim)
				return nil
			})
		}
		select {
		case <-ctx.Done():
			_ = g.Wait()
			p.log().Info("worker: pool stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain claims entries until the queue is empty, waits for every seal it
// started and returns how many claims it processed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	sem := semaphore.NewWeighted(p.workers())
	var g errgroup.Group
	n := 0
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = g.Wait()
			return n, err
		}
		claim, ok, err := p.Claimer.ClaimNext(ctx)
		if err != nil || !ok {
			sem.Release(1)
			_ = g.Wait()
			return n, err
		}
		n++
		g.Go(func() error {
			defer sem.Release(1)
			p.seal(ctx, claim)
			return nil
		})
	}
}
