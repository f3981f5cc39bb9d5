// Package aggregation is the client for the metrics service. Metrics are
// opaque to this module; they are stored on the pipeline run as returned.
package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vipul43/repopulse/internal/syncerr"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type aggregateRequest struct {
	TenantID string    `json:"tenant_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Aggregate asks the service for the tenant's metrics over [from, to).
func (c *Client) Aggregate(ctx context.Context, tenantID string, from, to time.Time) (json.RawMessage, error) {
	jsonData, err := json.Marshal(aggregateRequest{TenantID: tenantID, From: from.UTC(), To: to.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/aggregate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "aggregate", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "aggregate", fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "aggregate", fmt.Errorf("API error (status %d)", resp.StatusCode))
	default:
		return nil, syncerr.New(syncerr.CodeInternal, "aggregate", fmt.Errorf("API error (status %d)", resp.StatusCode))
	}

	if !json.Valid(body) {
		return nil, syncerr.New(syncerr.CodeInternal, "aggregate", fmt.Errorf("response is not JSON"))
	}
	return json.RawMessage(body), nil
}
