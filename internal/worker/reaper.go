package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"laudos/internal/domain"
	"laudos/internal/logging"
	"laudos/internal/queue"
)

type StaleReaper interface {
	ReapStale(ctx context.Context) (queue.ReapResult, error)
	Depth(ctx context.Context) (map[domain.EntryStatus]int, error)
}

// Reaper periodically requeues claims that stayed processing too long and
// refreshes the queue depth gauge.
type Reaper struct {
	Queue    StaleReaper
	Interval time.Duration
	Logger   *logrus.Entry
}

func (r *Reaper) log() *logrus.Entry {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

func (r *Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r.Tick(ctx)
	}
}

// Tick runs one reap pass.
func (r *Reaper) Tick(ctx context.Context) {
	res, err := r.Queue.ReapStale(ctx)
	if err != nil {
		r.log().WithError(err).Warn("reaper: reap failed")
	} else if res.Requeued+res.Failed > 0 {
		r.log().WithFields(logrus.Fields{"requeued": res.Requeued, "failed": res.Failed}).Info("reaper: stale claims handled")
	}
	if _, err := r.Queue.Depth(ctx); err != nil {
		r.log().WithError(err).Debug("reaper: observe queue depth failed")
	}
}
