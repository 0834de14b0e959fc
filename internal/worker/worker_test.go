package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/domain"
	"laudos/internal/queue"
	"laudos/internal/worker"
)

type fakeClaimer struct {
	mu      sync.Mutex
	pending []string
	err     error
}

func (f *fakeClaimer) ClaimNext(ctx context.Context) (queue.Claim, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Claim{}, false, f.err
	}
	if len(f.pending) == 0 {
		return queue.Claim{}, false, nil
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	return queue.Claim{Batch: domain.Batch{ID: id}, Entry: domain.EmissionEntry{BatchID: id, Attempts: 1}}, true, nil
}

type fakeSealer struct {
	mu       sync.Mutex
	sealed   []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSealer) Seal(ctx context.Context, c queue.Claim) (domain.Report, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	f.sealed = append(f.sealed, c.Batch.ID)
	f.mu.Unlock()
	if c.Batch.ID == "bad" {
		return domain.Report{}, domain.ErrRenderFailure
	}
	return domain.Report{ID: c.Batch.ID, Status: domain.ReportSealed}, nil
}

func TestDrainProcessesEveryClaim(t *testing.T) {
	claimer := &fakeClaimer{pending: []string{"b1", "b2", "bad", "b4", "b5"}}
	sealer := &fakeSealer{delay: 10 * time.Millisecond}
	p := &worker.Pool{Claimer: claimer, Sealer: sealer, Workers: 2}

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.ElementsMatch(t, []string{"b1", "b2", "bad", "b4", "b5"}, sealer.sealed)
	assert.LessOrEqual(t, sealer.peak.Load(), int32(2))
}

func TestDrainReturnsClaimError(t *testing.T) {
	boom := errors.New("database is locked")
	p := &worker.Pool{Claimer: &fakeClaimer{err: boom}, Sealer: &fakeSealer{}}
	n, err := p.Drain(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	claimer := &fakeClaimer{pending: []string{"b1", "b2", "b3"}}
	sealer := &fakeSealer{delay: 5 * time.Millisecond}
	p := &worker.Pool{Claimer: claimer, Sealer: sealer, Workers: 3, PollInterval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		sealer.mu.Lock()
		defer sealer.mu.Unlock()
		return len(sealer.sealed) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

type fakeReaper struct {
	reaped atomic.Int32
	depth  atomic.Int32
}

func (f *fakeReaper) ReapStale(ctx context.Context) (queue.ReapResult, error) {
	f.reaped.Add(1)
	return queue.ReapResult{Requeued: 1}, nil
}

func (f *fakeReaper) Depth(ctx context.Context) (map[domain.EntryStatus]int, error) {
	f.depth.Add(1)
	return map[domain.EntryStatus]int{domain.EntryPending: 1}, nil
}

func TestReaperTicks(t *testing.T) {
	q := &fakeReaper{}
	r := &worker.Reaper{Queue: q, Interval: 5 * time.Millisecond}
	r.Tick(context.Background())
	assert.Equal(t, int32(1), q.reaped.Load())
	assert.Equal(t, int32(1), q.depth.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	assert.Eventually(t, func() bool { return q.reaped.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
