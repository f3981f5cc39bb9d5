// Package enrichment is the client for the annotation model. It sends one
// synced pull request per call and returns the model's JSON verbatim.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	maxFilesInPrompt = 50
)

type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	model      *string // Optional: if nil, uses the account default
}

func NewClient(apiURL, apiKey string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // model calls are slow
		},
	}
}

// SetModel sets a specific model to use (optional)
func (c *Client) SetModel(model string) {
	c.model = &model
}

type fileSummary struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Annotate returns the annotations for one pull request. A reply that is not
// a JSON object fails with CodeMalformedRecord so the caller can skip it.
func (c *Client) Annotate(ctx context.Context, pr models.PullRequest) (json.RawMessage, error) {
	prompt, err := c.buildPrompt(pr)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]interface{}{
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": prompt,
			},
		},
	}
	if c.model != nil {
		reqBody["model"] = *c.model
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "annotate", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "annotate", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("annotate", resp.StatusCode, body)
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "annotate", fmt.Errorf("failed to parse API response: %w", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, "annotate", fmt.Errorf("no response from model"))
	}

	cleaned := cleanJSONResponse(apiResp.Choices[0].Message.Content)

	var annotations map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &annotations); err != nil {
		return nil, syncerr.New(syncerr.CodeMalformedRecord, "annotate", fmt.Errorf("failed to parse annotations for #%d: %w", pr.Number, err))
	}
	return json.RawMessage(cleaned), nil
}

// statusError maps a collaborator HTTP status onto the shared taxonomy.
func statusError(op string, status int, body []byte) error {
	err := fmt.Errorf("API error (status %d): %s", status, truncate(string(body), 256))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.New(syncerr.CodeAuth, op, err)
	case status == http.StatusTooManyRequests:
		return syncerr.New(syncerr.CodeRateLimited, op, err)
	case status == http.StatusRequestEntityTooLarge:
		return syncerr.New(syncerr.CodeMalformedRecord, op, err)
	case status >= 500:
		return syncerr.New(syncerr.CodeUpstreamUnavailable, op, err)
	default:
		return syncerr.New(syncerr.CodeInternal, op, err)
	}
}

// cleanJSONResponse removes markdown code blocks and extra whitespace from the model reply
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)

	// Find the first { and last } to extract just the JSON object
	startIdx := strings.Index(content, "{")
	endIdx := strings.LastIndex(content, "}")

	if startIdx == -1 || endIdx == -1 || startIdx > endIdx {
		return content
	}

	return strings.TrimSpace(content[startIdx : endIdx+1])
}

// buildPrompt renders the pull request for the model
func (c *Client) buildPrompt(pr models.PullRequest) (string, error) {
	var files []fileSummary
	if len(pr.Files) > 0 {
		if err := json.Unmarshal(pr.Files, &files); err != nil {
			return "", syncerr.New(syncerr.CodeMalformedRecord, "annotate", fmt.Errorf("failed to decode files of #%d: %w", pr.Number, err))
		}
	}
	if len(files) > maxFilesInPrompt {
		files = files[:maxFilesInPrompt]
	}

	var paths strings.Builder
	for _, f := range files {
		fmt.Fprintf(&paths, "- %s (+%d/-%d)\n", f.Path, f.Additions, f.Deletions)
	}

	return fmt.Sprintf(`Classify the pull request below. Output ONLY a JSON object with the keys
"kind" (feature, fix, refactor, chore, docs, test), "risk" (low, medium, high)
and "summary" (one sentence).

Title: %s
Author: %s
State: %s
Base: %s <- %s
Changes: +%d/-%d in %d files

Files:
%s`, pr.Title, pr.Author, pr.State, pr.BaseRef, pr.HeadRef, pr.Additions, pr.Deletions, pr.ChangedFiles, paths.String()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
