package laudossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal laudos HTTP API client.
type Client struct {
	BaseURL      string
	BasePath     string
	APIKey       string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/v1",
		Timeout:      10 * time.Second,
		PollInterval: time.Second,
	}
}

// Batch represents the API batch model (partial).
type Batch struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
	Ordinal  int    `json:"ordinal"`
	State    string `json:"state"`
}

// Entry is an emission queue entry.
type Entry struct {
	ID        int64  `json:"id"`
	BatchID   string `json:"batch_id"`
	Status    string `json:"status"`
	Phase     string `json:"phase,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Progress is the polled emission state of a batch.
type Progress struct {
	BatchID    string `json:"batch_id"`
	Stage      string `json:"stage"`
	Percent    int    `json:"percent"`
	Message    string `json:"message"`
	BatchState string `json:"batch_state"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Done reports whether polling can stop.
func (p Progress) Done() bool {
	return p.Stage == "sealed" || p.Stage == "failed"
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrEmissionFailed is returned by WaitSealed when the emission ends failed.
var ErrEmissionFailed = errors.New("emission failed")

// Release opens a draft batch for answers.
func (c *Client) Release(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "release"), nil, &resp)
	return resp, err
}

// RequestEmission queues the batch's report for sealing. It returns as soon
// as the entry is queued; poll Progress or WaitSealed for the outcome.
func (c *Client) RequestEmission(ctx context.Context, batchID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "request-emission"), nil, &resp)
	return resp, err
}

// Reprocess requeues a failed emission.
func (c *Client) Reprocess(ctx context.Context, batchID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "reprocess"), nil, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, batchID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, "progress"), nil, &resp)
	return resp, err
}

// WaitSealed polls Progress until the batch is sealed or its emission
// failed. A failed emission returns the last projection with ErrEmissionFailed.
func (c *Client) WaitSealed(ctx context.Context, batchID string) (Progress, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.Progress(ctx, batchID)
		if err != nil {
			return p, err
		}
		if p.Done() {
			if p.Stage == "failed" {
				return p, fmt.Errorf("%w: %s", ErrEmissionFailed, p.Error)
			}
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) batchPath(id, action string) string {
	return fmt.Sprintf("%s/batches/%s/%s", strings.Trim(c.BasePath, "/"), url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
