// Package client is an HTTP client for the importer API. It satisfies the
// scheduler's Backend so a job can be driven from another process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/job"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/retry"
	"github.com/cloud-importer/internal/types"
)

// Header names carrying the caller's identity
const (
	HeaderOwnerID   = "X-Owner-ID"
	HeaderOwnerTier = "X-Owner-Tier"
)

// Config configures a Client
type Config struct {
	BaseURL string
	OwnerID string
	Tier    types.UserTier
	Timeout time.Duration
	// Retry applies to idempotent requests only. Nil means retry.DefaultConfig.
	Retry *retry.Config
}

// Client talks to the importer API
type Client struct {
	baseURL    string
	ownerID    string
	tier       types.UserTier
	httpClient *http.Client
	retry      retry.Config
}

// New creates a client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rc := *retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	rc.Retryable = isRetryable

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		ownerID:    cfg.OwnerID,
		tier:       cfg.Tier,
		httpClient: &http.Client{Timeout: timeout},
		retry:      rc,
	}
}

// StartImport creates an import job
func (c *Client) StartImport(ctx context.Context, input *job.StartImportInput) (*job.StartImportResult, error) {
	var out job.StartImportResult
	if err := c.do(ctx, http.MethodPost, "/api/imports", input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunBatchStep asks the server to process the next batch. It is never
// retried here; the scheduler decides what to do after a failure.
func (c *Client) RunBatchStep(ctx context.Context, jobID string, batchSize int) (*models.StepResult, error) {
	var out models.StepResult
	body := map[string]int{"batchSize": batchSize}
	if err := c.do(ctx, http.MethodPost, "/api/imports/"+url.PathEscape(jobID)+"/batches", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus fetches a job's progress
func (c *Client) GetStatus(ctx context.Context, jobID string) (*models.JobStatusView, error) {
	var out models.JobStatusView
	if err := c.do(ctx, http.MethodGet, "/api/imports/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelImport cancels a job on the server
func (c *Client) CancelImport(ctx context.Context, jobID string) (*models.JobStatusView, error) {
	var out models.JobStatusView
	if err := c.do(ctx, http.MethodDelete, "/api/imports/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UsageStats fetches the caller's quota and history summary
func (c *Client) UsageStats(ctx context.Context) (*models.UsageStats, error) {
	var out models.UsageStats
	if err := c.do(ctx, http.MethodGet, "/api/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListImports fetches the caller's recent imports
func (c *Client) ListImports(ctx context.Context, limit int) ([]*models.ImportLog, error) {
	path := "/api/imports"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Imports []*models.ImportLog `json:"imports"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Imports, nil
}

type errorBody struct {
	Error types.ServiceError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	attempt := func(ctx context.Context, _ int) error {
		return c.roundTrip(ctx, method, path, payload, out)
	}
	if method == http.MethodPost {
		return attempt(ctx, 1)
	}
	return retry.Do(ctx, &c.retry, attempt)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ownerID != "" {
		req.Header.Set(HeaderOwnerID, c.ownerID)
	}
	if c.tier != "" {
		req.Header.Set(HeaderOwnerTier, string(c.tier))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if jsonErr := json.Unmarshal(data, &eb); jsonErr != nil || eb.Error.Code == "" {
			eb.Error = types.ServiceError{
				Code:    apperrors.CodeInternal,
				Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			}
			if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
				eb.Error.Code = apperrors.CodeServiceDown
			}
		}
		return apperrors.FromServiceError(resp.StatusCode, &eb.Error)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// isRetryable retries transport failures and server errors the API marks retryable
func isRetryable(err error) bool {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return apperrors.IsRetryable(catErr)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
