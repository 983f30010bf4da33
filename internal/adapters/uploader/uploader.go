// Package uploader sends motion records to the remote collector.
//
// The collector speaks a PostgREST-style API: records are POSTed as JSON to
// {endpoint}/rest/v1/{table} with the project key in both the apikey and
// Authorization headers. Any 2xx is an acknowledgment.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

// Upload modes.
const (
	ModeBatch  = "batch"
	ModeSingle = "single"
)

const (
	defaultTable   = "motion_data"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Uploader delivers a batch. A nil error is an acknowledgment of the whole
// batch; any error means none of it may be considered delivered.
type Uploader interface {
	Upload(ctx context.Context, batch []model.QueueEntry) error
}

// Record is the wire shape of one motion vector.
type Record struct {
	WalletAddress string     `json:"wallet_address"`
	Acceleration  [3]float64 `json:"acceleration"`
	Rotation      [3]float64 `json:"rotation"`
	SessionID     string     `json:"session_id"`
	DeviceTier    int        `json:"device_tier"`
	Magnitude     float64    `json:"magnitude"`
	IsSuspicious  bool       `json:"is_suspicious"`
	CapturedAt    time.Time  `json:"captured_at"`
}

// NewRecord maps a queue entry to its wire record.
func NewRecord(e model.QueueEntry) Record {
	a, r := e.Sample.Acceleration, e.Sample.Rotation
	return Record{
		WalletAddress: e.Operator,
		Acceleration:  [3]float64{a.X, a.Y, a.Z},
		Rotation:      [3]float64{r.X, r.Y, r.Z},
		SessionID:     e.SessionID,
		DeviceTier:    e.Tier,
		Magnitude:     e.Sample.Magnitude,
		IsSuspicious:  false,
		CapturedAt:    e.Sample.CapturedAt.UTC(),
	}
}

// HTTPClient uploads over HTTP.
type HTTPClient struct {
	endpoint string
	apiKey   string
	table    string
	mode     string
	timeout  time.Duration
	client   *http.Client
	logger   logger.Logger
}

// NewHTTPClient creates an HTTPClient with configuration options.
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		table:   defaultTable,
		mode:    ModeBatch,
		timeout: defaultTimeout,
		client:  &http.Client{},
		logger:  logger.Get().Named("uploader"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends batch in the configured mode. An empty batch sends nothing.
func (c *HTTPClient) Upload(ctx context.Context, batch []model.QueueEntry) error {
	if len(batch) == 0 {
		return nil
	}
	if c.endpoint == "" {
		return ErrNotConfigured
	}

	start := time.Now()
	err := c.upload(ctx, batch)
	metrics.RecordUpload(len(batch), err == nil, float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordErrorByComponent("uploader", "upload_failed")
		c.logger.Warn(ctx, "upload failed",
			logger.Int("records", len(batch)), logger.String("mode", c.mode), logger.Error(err))
		return err
	}
	c.logger.Debug(ctx, "upload acknowledged", logger.Int("records", len(batch)))
	return nil
}

func (c *HTTPClient) upload(ctx context.Context, batch []model.QueueEntry) error {
	for _, e := range batch {
		if e.Operator == "" {
			return fmt.Errorf("%w: %s", ErrMissingOperator, e.ID)
		}
	}

	if c.mode == ModeSingle {
		for _, e := range batch {
			if err := c.post(ctx, NewRecord(e)); err != nil {
				return fmt.Errorf("record %s: %w", e.ID, err)
			}
		}
		return nil
	}

	records := make([]Record, len(batch))
	for i, e := range batch {
		records[i] = NewRecord(e)
	}
	return c.post(ctx, records)
}

func (c *HTTPClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Prefer", "return=minimal")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post records: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) url() string {
	return strings.TrimRight(c.endpoint, "/") + "/rest/v1/" + c.table
}
