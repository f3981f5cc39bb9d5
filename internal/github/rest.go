package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vipul43/repopulse/internal/syncerr"
)

const (
	restPageSize     = 50
	restCursorPrefix = "rest:"
	subResourceLimit = 100
)

type restUser struct {
	Login string `json:"login"`
}

func (u *restUser) login() string {
	if u == nil {
		return ""
	}
	return u.Login
}

type restRef struct {
	Ref string `json:"ref"`
}

type restPullRequest struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Draft        bool       `json:"draft"`
	User         *restUser  `json:"user"`
	Base         restRef    `json:"base"`
	Head         restRef    `json:"head"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changed_files"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MergedAt     *time.Time `json:"merged_at"`
	ClosedAt     *time.Time `json:"closed_at"`
}

func (r restPullRequest) toPullRequest() PullRequest {
	state := strings.ToLower(r.State)
	if r.MergedAt != nil {
		state = "merged"
	}
	return PullRequest{
		Number:       r.Number,
		Title:        r.Title,
		State:        state,
		Author:       r.User.login(),
		Draft:        r.Draft,
		BaseRef:      r.Base.Ref,
		HeadRef:      r.Head.Ref,
		Additions:    r.Additions,
		Deletions:    r.Deletions,
		ChangedFiles: r.ChangedFiles,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		MergedAt:     r.MergedAt,
		ClosedAt:     r.ClosedAt,
	}
}

// ParsePullRequest decodes a pull request in the REST representation, as
// carried by webhook payloads. Sub-resources are not included.
func ParsePullRequest(raw json.RawMessage) (PullRequest, error) {
	var r restPullRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return PullRequest{}, syncerr.New(syncerr.CodeMalformedRecord, "decode pull request", err)
	}
	pr := r.toPullRequest()
	if err := validate(pr); err != nil {
		return PullRequest{}, err
	}
	return pr, nil
}

func (c *Client) getJSON(ctx context.Context, cred Credential, op, path string, query url.Values, out interface{}) (http.Header, error) {
	resp, err := c.do(ctx, cred, request{op: op, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return nil, syncerr.New(syncerr.CodeUpstreamUnavailable, op, fmt.Errorf("failed to parse response: %w", err))
	}
	return resp.header, nil
}

func (c *Client) listPullRequestsREST(ctx context.Context, cred Credential, owner, repo string, q PageQuery) (*PullRequestPage, error) {
	pageNum := parseRESTCursor(q.Cursor)
	direction := "asc"
	if q.Direction == Descending {
		direction = "desc"
	}

	query := url.Values{}
	query.Set("state", "all")
	query.Set("sort", "updated")
	query.Set("direction", direction)
	query.Set("per_page", strconv.Itoa(q.PageSize))
	query.Set("page", strconv.Itoa(pageNum))

	var raws []json.RawMessage
	header, err := c.getJSON(ctx, cred, "list pull requests", repoPath(owner, repo)+"/pulls", query, &raws)
	if err != nil {
		return nil, err
	}

	page := &PullRequestPage{}
	for _, raw := range raws {
		var summary restPullRequest
		if err := json.Unmarshal(raw, &summary); err != nil || summary.Number <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid number %d", summary.Number)
			}
			page.Errors = append(page.Errors, syncerr.New(syncerr.CodeMalformedRecord, "decode pull request", err))
			continue
		}

		pr, err := c.getPullRequestREST(ctx, cred, owner, repo, summary.Number)
		if err != nil {
			if syncerr.CategoryOf(err) == syncerr.Item || syncerr.Is(err, syncerr.CodeNotFound) {
				page.Errors = append(page.Errors, err)
				continue
			}
			return nil, err
		}
		page.Items = append(page.Items, *pr)
	}
	if hasNextLink(header) {
		page.NextCursor = restCursorPrefix + strconv.Itoa(pageNum+1)
	}
	return page, nil
}

// getPullRequestREST fetches a pull request and each sub-resource collection
// with separate calls.
func (c *Client) getPullRequestREST(ctx context.Context, cred Credential, owner, repo string, number int) (*PullRequest, error) {
	base := repoPath(owner, repo)
	n := strconv.Itoa(number)
	limit := url.Values{}
	limit.Set("per_page", strconv.Itoa(subResourceLimit))

	var detail restPullRequest
	if _, err := c.getJSON(ctx, cred, "get pull request", base+"/pulls/"+n, nil, &detail); err != nil {
		return nil, err
	}
	pr := detail.toPullRequest()
	if err := validate(pr); err != nil {
		return nil, err
	}

	var reviews []struct {
		ID          int64      `json:"id"`
		State       string     `json:"state"`
		Body        string     `json:"body"`
		SubmittedAt *time.Time `json:"submitted_at"`
		User        *restUser  `json:"user"`
	}
	if _, err := c.getJSON(ctx, cred, "list reviews", base+"/pulls/"+n+"/reviews", limit, &reviews); err != nil {
		return nil, err
	}
	for _, r := range reviews {
		pr.Reviews = append(pr.Reviews, Review{
			ID:          strconv.FormatInt(r.ID, 10),
			State:       strings.ToLower(r.State),
			Author:      r.User.login(),
			Body:        r.Body,
			SubmittedAt: r.SubmittedAt,
		})
	}

	var commits []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name  string    `json:"name"`
				Email string    `json:"email"`
				Date  time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if _, err := c.getJSON(ctx, cred, "list commits", base+"/pulls/"+n+"/commits", limit, &commits); err != nil {
		return nil, err
	}
	for _, cm := range commits {
		pr.Commits = append(pr.Commits, Commit{
			SHA:         cm.SHA,
			Message:     cm.Commit.Message,
			AuthorName:  cm.Commit.Author.Name,
			AuthorEmail: cm.Commit.Author.Email,
			CommittedAt: cm.Commit.Author.Date,
		})
	}

	var files []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Status    string `json:"status"`
	}
	if _, err := c.getJSON(ctx, cred, "list files", base+"/pulls/"+n+"/files", limit, &files); err != nil {
		return nil, err
	}
	for _, f := range files {
		pr.Files = append(pr.Files, File{
			Path:       f.Filename,
			Additions:  f.Additions,
			Deletions:  f.Deletions,
			ChangeType: strings.ToLower(f.Status),
		})
	}

	var comments []struct {
		ID        int64     `json:"id"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		User      *restUser `json:"user"`
	}
	if _, err := c.getJSON(ctx, cred, "list comments", base+"/issues/"+n+"/comments", limit, &comments); err != nil {
		return nil, err
	}
	for _, cm := range comments {
		pr.Comments = append(pr.Comments, Comment{
			ID:        strconv.FormatInt(cm.ID, 10),
			Author:    cm.User.login(),
			Body:      cm.Body,
			CreatedAt: cm.CreatedAt,
		})
	}

	return &pr, nil
}

func (c *Client) listActivityREST(ctx context.Context, cred Credential, owner, repo string, since time.Time, cursor string) (*ActivityPage, error) {
	pageNum := parseRESTCursor(cursor)

	query := url.Values{}
	query.Set("state", "all")
	query.Set("sort", "updated")
	query.Set("direction", "asc")
	query.Set("since", since.UTC().Format(time.RFC3339))
	query.Set("per_page", "100")
	query.Set("page", strconv.Itoa(pageNum))

	var raws []struct {
		Number      int             `json:"number"`
		UpdatedAt   time.Time       `json:"updated_at"`
		PullRequest json.RawMessage `json:"pull_request"`
	}
	header, err := c.getJSON(ctx, cred, "list activity", repoPath(owner, repo)+"/issues", query, &raws)
	if err != nil {
		return nil, err
	}

	page := &ActivityPage{}
	for _, raw := range raws {
		if raw.Number <= 0 || raw.UpdatedAt.IsZero() {
			log.Printf("Warning: skipping malformed activity entry in %s/%s", owner, repo)
			continue
		}
		page.Entries = append(page.Entries, ActivityEntry{
			Number:        raw.Number,
			UpdatedAt:     raw.UpdatedAt,
			IsPullRequest: len(raw.PullRequest) > 0 && string(raw.PullRequest) != "null",
		})
	}
	if hasNextLink(header) {
		page.NextCursor = restCursorPrefix + strconv.Itoa(pageNum+1)
	}
	return page, nil
}

func parseRESTCursor(cursor string) int {
	if !strings.HasPrefix(cursor, restCursorPrefix) {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(cursor, restCursorPrefix))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func hasNextLink(h http.Header) bool {
	for _, part := range strings.Split(h.Get("Link"), ",") {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}
