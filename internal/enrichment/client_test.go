package enrichment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain JSON",
			input:    `{"kind": "fix"}`,
			expected: `{"kind": "fix"}`,
		},
		{
			name:     "JSON with markdown code blocks",
			input:    "```json\n{\"kind\": \"fix\"}\n```",
			expected: `{"kind": "fix"}`,
		},
		{
			name:     "JSON with explanatory text around it",
			input:    "Here you go:\n{\"kind\": \"fix\"}\nThanks.",
			expected: `{"kind": "fix"}`,
		},
		{
			name:     "no JSON",
			input:    "  cannot classify  ",
			expected: "cannot classify",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cleanJSONResponse(tt.input)
			if result != tt.expected {
				t.Errorf("Expected:\n%s\n\nGot:\n%s", tt.expected, result)
			}
		})
	}
}

func reply(content string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(data)
}

func TestAnnotate(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "small", req.Model)
		prompt = req.Messages[0].Content
		_, _ = io.WriteString(w, reply("```json\n{\"kind\":\"fix\",\"risk\":\"low\"}\n```"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key")
	client.SetModel("small")

	out, err := client.Annotate(context.Background(), models.PullRequest{
		Number: 7,
		Title:  "Fix race in cache",
		Files:  []byte(`[{"path":"cache.go","additions":3,"deletions":1}]`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"fix","risk":"low"}`, string(out))
	assert.Contains(t, prompt, "Fix race in cache")
	assert.Contains(t, prompt, "cache.go (+3/-1)")
}

func TestAnnotate_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   syncerr.Code
	}{
		{"unparseable reply is an item failure", http.StatusOK, reply("no idea"), syncerr.CodeMalformedRecord},
		{"server error is transient", http.StatusBadGateway, "bad gateway", syncerr.CodeUpstreamUnavailable},
		{"throttled", http.StatusTooManyRequests, "slow down", syncerr.CodeRateLimited},
		{"bad key", http.StatusUnauthorized, "nope", syncerr.CodeAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").Annotate(context.Background(), models.PullRequest{Number: 1})
			require.Error(t, err)
			assert.Equal(t, tt.code, syncerr.CodeOf(err))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.True(t, strings.HasSuffix(truncate(strings.Repeat("x", 10), 4), "..."))
}
