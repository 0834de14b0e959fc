//go:build integration

package queue_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
	"laudos/internal/config"
	"laudos/internal/db"
	"laudos/internal/engine"
	"laudos/internal/migrate"
	"laudos/internal/queue"
)

// Run with LAUDOS_TEST_POSTGRES_DSN=postgres://... go test -tags integration ./internal/queue
func newPostgresEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := os.Getenv("LAUDOS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LAUDOS_TEST_POSTGRES_DSN not set")
	}
	conn, dialect, err := db.Open(db.Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	cfg := config.Default()
	e := engine.New(conn, dialect, cfg, nil)
	// fresh tenant per run, rows are never deleted
	tenant := "it-" + uuid.NewString()
	admin, err := access.New(access.Principal{ID: "ana", Role: "tenant-admin", TenantID: tenant})
	require.NoError(t, err)
	issuer, err := access.New(access.Principal{ID: "iris", Role: "report-issuer", TenantID: tenant})
	require.NoError(t, err)
	return &testEnv{
		engine: e,
		queue:  queue.New(e.Repo, cfg.Queue, nil),
		admin:  admin,
		issuer: issuer,
		ctx:    context.Background(),
	}
}

func TestPostgresConcurrentEnqueueAdmitsOne(t *testing.T) {
	env := newPostgresEnv(t)
	id := uuid.NewString()
	env.completedBatch(t, id)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.queue.Enqueue(env.ctx, env.admin, id); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestPostgresClaimAndFail(t *testing.T) {
	env := newPostgresEnv(t)
	id := uuid.NewString()
	env.completedBatch(t, id)
	_, err := env.queue.Enqueue(env.ctx, env.admin, id)
	require.NoError(t, err)

	// other tenants may have pending work in a shared database
	var c queue.Claim
	for {
		next, ok, err := env.queue.ClaimNext(env.ctx)
		require.NoError(t, err)
		require.True(t, ok, "entry %s never claimed", id)
		if next.Batch.ID == id {
			c = next
			break
		}
	}
	assert.Equal(t, 1, c.Attempt())

	require.NoError(t, env.queue.MarkFailed(env.ctx, c, errors.New("render failure: template missing")))
	p, err := env.engine.Progress(env.ctx, env.admin, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(p.Stage))

	_, err = env.queue.Reprocess(env.ctx, env.issuer, id)
	require.NoError(t, err)
}
