package laudossdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressServer(t *testing.T, stages []Progress) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/b1/progress", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		i := int(calls.Add(1)) - 1
		if i >= len(stages) {
			i = len(stages) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stages[i])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestWaitSealed(t *testing.T) {
	srv, calls := progressServer(t, []Progress{
		{BatchID: "b1", Stage: "requested", Percent: 10},
		{BatchID: "b1", Stage: "rendering", Percent: 40},
		{BatchID: "b1", Stage: "sealed", Percent: 100},
	})
	c := New(srv.URL)
	c.BearerToken = "tok"
	c.PollInterval = time.Millisecond

	p, err := c.WaitSealed(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitSealedReportsFailure(t *testing.T) {
	srv, _ := progressServer(t, []Progress{
		{BatchID: "b1", Stage: "failed", Error: "storage failure: bucket offline"},
	})
	c := New(srv.URL)
	c.BearerToken = "tok"

	p, err := c.WaitSealed(context.Background(), "b1")
	require.ErrorIs(t, err, ErrEmissionFailed)
	assert.Contains(t, err.Error(), "bucket offline")
	assert.True(t, p.Done())
}

func TestWaitSealedHonoursContext(t *testing.T) {
	srv, _ := progressServer(t, []Progress{{BatchID: "b1", Stage: "requested"}})
	c := New(srv.URL)
	c.BearerToken = "tok"
	c.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitSealed(ctx, "b1")
	require.Error(t, err)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"duplicate_in_flight","message":"emission already in flight"}}`))
	}))
	defer srv.Close()
	c := New(srv.URL)
	c.APIKey = "k1"

	_, err := c.RequestEmission(context.Background(), "b1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "duplicate_in_flight", apiErr.Code)
}
