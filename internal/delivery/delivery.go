// Package delivery hands sealed reports to an external channel over HTTP and
// records the delivered transition once the receiver acknowledges.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"laudos/internal/access"
	"laudos/internal/domain"
	"laudos/internal/logging"
	"laudos/internal/metrics"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
	defaultBatch    = 50

	// Principal is recorded as the actor of delivered transitions.
	Principal = "laudos-delivery"

	SignatureHeader = "X-Laudos-Signature"
)

// Reports is the slice of the engine the dispatcher needs.
type Reports interface {
	PendingDeliveries(ctx context.Context, ac access.Context, limit int) ([]domain.Report, error)
	MarkDelivered(ctx context.Context, ac access.Context, id string) (domain.Batch, error)
}

type Dispatcher struct {
	Reports  Reports
	URL      string
	Secret   string
	Interval time.Duration
	Client   *http.Client
	Logger   *logrus.Entry
}

// Notice is the JSON body posted for each sealed report.
type Notice struct {
	ReportID    string `json:"report_id"`
	TenantID    string `json:"tenant_id"`
	ContentHash string `json:"content_hash"`
	Locator     string `json:"locator"`
	SizeBytes   int64  `json:"size_bytes"`
	IssuedBy    string `json:"issued_by,omitempty"`
	SealedAt    string `json:"sealed_at"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) log() *logrus.Entry {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Enabled reports whether a delivery endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return strings.TrimSpace(d.URL) != ""
}

// Run delivers on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log().WithError(err).Warn("delivery: pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce posts every pending report and returns how many were delivered.
// A failed post leaves the report sealed for the next pass.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if !d.Enabled() {
		return 0, nil
	}
	ac := access.System(Principal)
	reports, err := d.Reports.PendingDeliveries(ctx, ac, defaultBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, rep := range reports {
		l := d.log().WithField("report", rep.ID)
		if err := d.post(ctx, rep); err != nil {
			metrics.Delivered("failed")
			l.WithError(err).Warn("delivery: post failed")
			continue
		}
		if _, err := d.Reports.MarkDelivered(ctx, ac, rep.ID); err != nil {
			metrics.Delivered("unrecorded")
			l.WithError(err).Error("delivery: receiver acknowledged but transition failed")
			continue
		}
		metrics.Delivered("ok")
		l.Info("delivery: report delivered")
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) post(ctx context.Context, rep domain.Report) error {
	n := Notice{ReportID: rep.ID, TenantID: rep.TenantID}
	if rep.ContentHash != nil {
		n.ContentHash = *rep.ContentHash
	}
	if rep.Locator != nil {
		n.Locator = *rep.Locator
	}
	if rep.SizeBytes != nil {
		n.SizeBytes = *rep.SizeBytes
	}
	if rep.IssuedBy != nil {
		n.IssuedBy = *rep.IssuedBy
	}
	if rep.SealedAt != nil {
		n.SealedAt = *rep.SealedAt
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Laudos-Event", "report.sealed")
	req.Header.Set("X-Laudos-Delivery", rep.ID)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(d.Secret, data))
	}
	res, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
