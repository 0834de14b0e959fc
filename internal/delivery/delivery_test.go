package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
	"laudos/internal/delivery"
	"laudos/internal/domain"
)

type fakeReports struct {
	mu        sync.Mutex
	pending   []domain.Report
	delivered []string
	actor     string
}

func (f *fakeReports) PendingDeliveries(_ context.Context, _ access.Context, _ int) ([]domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Report(nil), f.pending...), nil
}

func (f *fakeReports) MarkDelivered(_ context.Context, ac access.Context, id string) (domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actor = ac.PrincipalID()
	f.delivered = append(f.delivered, id)
	return domain.Batch{ID: id, State: domain.BatchDelivered}, nil
}

func sealedReport(id string) domain.Report {
	hash := "ab12"
	loc := "fs://t1/" + id + "/report.txt"
	size := int64(42)
	at := "2024-03-01T12:00:00.000000Z"
	return domain.Report{ID: id, TenantID: "t1", Status: domain.ReportSealed, ContentHash: &hash, Locator: &loc, SizeBytes: &size, SealedAt: &at}
}

func TestRunOnceSignsAndMarksDelivered(t *testing.T) {
	var got []delivery.Notice
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, delivery.Sign("hook-secret", body), r.Header.Get(delivery.SignatureHeader))
		var n delivery.Notice
		assert.NoError(t, json.Unmarshal(body, &n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reports := &fakeReports{pending: []domain.Report{sealedReport("b1"), sealedReport("b2")}}
	d := &delivery.Dispatcher{Reports: reports, URL: srv.URL, Secret: "hook-secret", Client: srv.Client()}
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b1", "b2"}, reports.delivered)
	assert.Equal(t, delivery.Principal, reports.actor)
	require.Len(t, got, 2)
	assert.Equal(t, "ab12", got[0].ContentHash)
	assert.Equal(t, int64(42), got[0].SizeBytes)
}

func TestRunOnceLeavesReportOnReceiverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reports := &fakeReports{pending: []domain.Report{sealedReport("b1")}}
	d := &delivery.Dispatcher{Reports: reports, URL: srv.URL, Client: srv.Client()}
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, reports.delivered)
}

func TestDisabledWithoutURL(t *testing.T) {
	d := &delivery.Dispatcher{Reports: &fakeReports{pending: []domain.Report{sealedReport("b1")}}}
	assert.False(t, d.Enabled())
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, d.Run(context.Background()))
}
