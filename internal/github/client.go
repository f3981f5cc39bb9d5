// Package github is the rate-limited, retrying client for the code host API.
//
// Pull requests are fetched through the bulk GraphQL endpoint, which returns
// reviews, commits, files and comments in one round trip. When that endpoint
// is unavailable or rejects a query as too large, the client falls back to
// the REST API and fetches each sub-resource collection separately.
//
// Calls for one credential never overlap: every request holds the
// credential's lane for its whole lifetime, including rate-limit waits and
// backoff sleeps.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/vipul43/repopulse/internal/ratelimit"
	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	DefaultBaseURL        = "https://api.github.com"
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 512
)

type Client struct {
	baseURL        string
	httpClient     *http.Client
	tracker        *ratelimit.Tracker
	lanes          *ratelimit.Lanes
	policy         ratelimit.Policy
	clock          ratelimit.Clock
	sleeper        ratelimit.Sleeper
	threshold      int
	requestTimeout time.Duration
	bulkDisabled   atomic.Bool
}

func NewClient(baseURL string, tracker *ratelimit.Tracker, policy ratelimit.Policy) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if tracker == nil {
		tracker = ratelimit.NewTracker()
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		tracker:        tracker,
		lanes:          ratelimit.NewLanes(),
		policy:         policy,
		clock:          ratelimit.SystemClock{},
		sleeper:        ratelimit.SystemClock{},
		threshold:      ratelimit.DefaultThreshold,
		requestTimeout: defaultRequestTimeout,
	}
}

// SetClock replaces the wall clock and sleeper (tests)
func (c *Client) SetClock(clock ratelimit.Clock, sleeper ratelimit.Sleeper) {
	c.clock = clock
	c.sleeper = sleeper
}

// SetThreshold sets the remaining-budget level below which calls wait for reset
func (c *Client) SetThreshold(threshold int) {
	c.threshold = threshold
}

// SetRequestTimeout sets the per-attempt timeout
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// SetHTTPClient replaces the underlying transport client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Snapshot returns the last observed rate-limit budget for a credential.
func (c *Client) Snapshot(key string) ratelimit.Snapshot {
	snap, _ := c.tracker.Get(key)
	return snap
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   []byte
}

type response struct {
	body   []byte
	header http.Header
}

// do runs one logical call with lane serialization, rate-limit waits and
// bounded retries.
func (c *Client) do(ctx context.Context, cred Credential, req request) (*response, error) {
	if cred.Token == "" {
		return nil, syncerr.New(syncerr.CodeMalformedCredential, req.op, errors.New("empty access token"))
	}

	release, err := c.lanes.Acquire(ctx, cred.Key)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		if err := c.awaitBudget(ctx, cred.Key); err != nil {
			return nil, err
		}

		resp, retryAfter, err := c.roundTrip(ctx, cred, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.policy.ShouldRetry(err, attempt) {
			return nil, err
		}

		delay := c.policy.BackoffDelay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		log.Printf("Retrying %s for credential %s in %s (attempt %d): %v", req.op, cred.Key, delay, attempt, err)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// awaitBudget blocks while the credential's cached budget is exhausted or
// below the threshold and the reset time is still ahead.
func (c *Client) awaitBudget(ctx context.Context, key string) error {
	snap, ok := c.tracker.Get(key)
	if !ok {
		return nil
	}
	wait, must := snap.Wait(c.threshold, c.clock.Now())
	if !must {
		return nil
	}
	log.Printf("Rate limit for credential %s at %d remaining, waiting %s until reset at %s",
		key, snap.Remaining, wait.Round(time.Second), snap.ResetAt.Format(time.RFC3339))
	return c.sleeper.Sleep(ctx, wait)
}

func (c *Client) roundTrip(ctx context.Context, cred Credential, req request) (*response, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, target, body)
	if err != nil {
		return nil, 0, syncerr.New(syncerr.CodeInternal, req.op, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	token := &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
	}
	httpClient := oauth2.NewClient(context.WithValue(callCtx, oauth2.HTTPClient, c.httpClient), oauth2.StaticTokenSource(token))

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, c.transportError(ctx, req.op, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)

	// Budget headers are read on every response, not only on errors.
	if snap, ok := ratelimit.FromHeaders(resp.Header, c.clock.Now()); ok {
		c.tracker.Update(cred.Key, snap)
	}

	if readErr != nil {
		return nil, 0, c.transportError(ctx, req.op, readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &response{body: data, header: resp.Header}, 0, nil
	}
	return nil, retryAfter(resp.Header), classifyStatus(req.op, resp.StatusCode, resp.Header, data)
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return syncerr.New(syncerr.CodeTimeout, op, err)
	}
	return syncerr.New(syncerr.CodeUpstreamUnavailable, op, err)
}

func classifyStatus(op string, status int, h http.Header, body []byte) error {
	detail := fmt.Errorf("status %d: %s", status, truncate(body))

	switch {
	case status == http.StatusUnauthorized:
		return syncerr.New(syncerr.CodeAuth, op, detail)
	case status == http.StatusTooManyRequests:
		return syncerr.New(syncerr.CodeRateLimited, op, detail)
	case status == http.StatusForbidden:
		// 403 doubles as the rate-limit status; anything else is a permission problem.
		if h.Get(ratelimit.HeaderRemaining) == "0" || h.Get("Retry-After") != "" ||
			bytes.Contains(bytes.ToLower(body), []byte("rate limit")) {
			return syncerr.New(syncerr.CodeRateLimited, op, detail)
		}
		return syncerr.New(syncerr.CodeAuth, op, detail)
	case status == http.StatusNotFound:
		return syncerr.New(syncerr.CodeNotFound, op, detail)
	case status >= 500:
		return syncerr.New(syncerr.CodeUpstreamUnavailable, op, detail)
	default:
		return syncerr.New(syncerr.CodeInternal, op, detail)
	}
}

func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}
