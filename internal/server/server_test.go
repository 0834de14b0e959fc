package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/access"
	"laudos/internal/app"
	"laudos/internal/config"
)

type testEnv struct {
	rt     *app.Runtime
	server *httptest.Server
	base   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Database.Workspace = ws
	cfg.Storage.Root = filepath.Join(ws, "objects")
	cfg.Auth.JWTSecret = "test-secret"
	rt, err := app.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	h, err := rt.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{rt: rt, server: srv, base: srv.URL + "/v1"}
}

func (env *testEnv) token(t *testing.T, p access.Principal) string {
	t.Helper()
	tok, err := env.rt.JWT.Issue(p, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func doJSON(t *testing.T, method, url, authz string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthAndDocsAreOpen(t *testing.T) {
	env := newTestEnv(t)
	status, body := doJSON(t, http.MethodGet, env.base+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = doJSON(t, http.MethodGet, env.base+"/openapi.json", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "paths")

	res, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)
	status, body := doJSON(t, http.MethodGet, env.base+"/batches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(body))

	status, body = doJSON(t, http.MethodGet, env.base+"/batches", "Basic abc", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", errorCode(body))

	status, _ = doJSON(t, http.MethodGet, env.base+"/batches", "Bearer not.a.token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	operator := env.token(t, access.Principal{ID: "op", Role: "operator", TenantID: "t1"})
	status, body = doJSON(t, http.MethodPost, env.base+"/batches", operator, map[string]any{"title": "Q1"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	plain, _, err := env.rt.APIKeys.Create(context.Background(), access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"}, "test")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, env.base+"/batches", nil)
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", plain)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestBatchFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"})
	operator := env.token(t, access.Principal{ID: "op", Role: "operator", TenantID: "t1"})
	issuer := env.token(t, access.Principal{ID: "iris", Role: "report-issuer", TenantID: "t1"})
	outsider := env.token(t, access.Principal{ID: "bob", Role: "tenant-admin", TenantID: "t2"})

	status, body := doJSON(t, http.MethodPost, env.base+"/batches", admin, map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, http.MethodPost, env.base+"/batches", admin, map[string]any{"id": "b1", "title": "Q1 survey"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "draft", body["state"])

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/assessments", admin, map[string]any{"id": "a1", "subject_id": "s-1"})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/complete", admin, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", errorCode(body))

	status, _ = doJSON(t, http.MethodPost, env.base+"/batches/b1/release", admin, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/assessments/a1/start", operator, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/assessments/a1/complete", operator, nil)
	require.Equal(t, http.StatusOK, status)
	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/complete", operator, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "completed", body["state"])

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1", outsider, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/request-emission", admin, nil)
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, "pending", body["status"])
	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/request-emission", admin, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_in_flight", errorCode(body))

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/progress", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "requested", body["stage"])
	assert.EqualValues(t, 10, body["percent"])

	status, body = doJSON(t, http.MethodGet, env.base+"/queue?batch_id=b1", issuer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 1)

	n, err := env.rt.Pool.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/progress", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sealed", body["stage"])
	assert.EqualValues(t, 100, body["percent"])

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/report", issuer, nil)
	require.Equal(t, http.StatusOK, status)
	rep := body["report"].(map[string]any)
	assert.Equal(t, "sealed", rep["status"])
	assert.Len(t, rep["content_hash"], 64)

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/report/verify", issuer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["verification"].(map[string]any)["match"])

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/cancel", admin, map[string]any{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "immutable_state", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/reprocess", issuer, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_succeeded", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/deliver", issuer, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "delivered", body["state"])

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/events?limit=3", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 3)
	cursor, _ := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)
	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/events?limit=200&cursor="+cursor, admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["items"])
	assert.Empty(t, body["next_cursor"])

	status, _ = doJSON(t, http.MethodGet, env.base+"/batches/b1/events?cursor=abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExclusionReasonValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"})
	status, _ := doJSON(t, http.MethodPost, env.base+"/batches", admin, map[string]any{"id": "b1", "title": "Q1"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/batches/b1/assessments", admin, map[string]any{"id": "a1", "subject_id": "s-1"})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, http.MethodPost, env.base+"/assessments/a1/exclude", admin, map[string]any{"reason": "short"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/assessments/a1/exclude", admin, map[string]any{"reason": "left the organization"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "excluded", body["state"])

	status, body = doJSON(t, http.MethodGet, env.base+"/batches/b1/assessments", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["tally"].(map[string]any)["excluded"])
}

func TestForceEmissionOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, access.Principal{ID: "ana", Role: "tenant-admin", TenantID: "t1"})
	operator := env.token(t, access.Principal{ID: "op", Role: "operator", TenantID: "t1"})
	issuer := env.token(t, access.Principal{ID: "iris", Role: "report-issuer", TenantID: "t1"})
	status, _ := doJSON(t, http.MethodPost, env.base+"/batches", admin, map[string]any{"id": "b1", "title": "Q1"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/batches/b1/assessments", admin, map[string]any{"id": "a1", "subject_id": "s-1"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/batches/b1/release", admin, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/assessments/a1/start", operator, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodPost, env.base+"/assessments/a1/complete", operator, nil)
	require.Equal(t, http.StatusOK, status)
	status, body := doJSON(t, http.MethodPost, env.base+"/batches/b1/complete", admin, nil)
	require.Equal(t, http.StatusOK, status, body)

	reason := map[string]any{"reason": "regulator deadline moved to this week"}
	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/force-emission", admin, reason)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/force-emission", issuer, map[string]any{"reason": "urgent"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.base+"/batches/b1/force-emission", issuer, reason)
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, "pending", body["status"])
}
