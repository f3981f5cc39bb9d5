package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vipul43/repopulse/internal/syncerr"
)

const graphQLPageSize = 25

// errBulkUnavailable marks a deployment without the GraphQL endpoint.
var errBulkUnavailable = errors.New("bulk query endpoint unavailable")

const pullRequestFields = `
  number title state isDraft createdAt updatedAt mergedAt closedAt
  additions deletions changedFiles baseRefName headRefName
  author { login }
  reviews(first: 50) { nodes { id state body submittedAt author { login } } }
  commits(first: 100) { nodes { commit { oid message committedDate author { name email } } } }
  files(first: 100) { nodes { path additions deletions changeType } }
  comments(first: 100) { nodes { id body createdAt author { login } } }
`

const listPullRequestsQuery = `query($owner: String!, $name: String!, $first: Int!, $after: String, $direction: OrderDirection!) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: $direction}) {
      pageInfo { hasNextPage endCursor }
      nodes {` + pullRequestFields + `}
    }
  }
}`

const getPullRequestQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {` + pullRequestFields + `}
  }
}`

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type gqlActor struct {
	Login string `json:"login"`
}

func (a *gqlActor) login() string {
	if a == nil {
		return ""
	}
	return a.Login
}

type gqlPullRequest struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	IsDraft      bool       `json:"isDraft"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MergedAt     *time.Time `json:"mergedAt"`
	ClosedAt     *time.Time `json:"closedAt"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	BaseRefName  string     `json:"baseRefName"`
	HeadRefName  string     `json:"headRefName"`
	Author       *gqlActor  `json:"author"`
	Reviews      struct {
		Nodes []struct {
			ID          string     `json:"id"`
			State       string     `json:"state"`
			Body        string     `json:"body"`
			SubmittedAt *time.Time `json:"submittedAt"`
			Author      *gqlActor  `json:"author"`
		} `json:"nodes"`
	} `json:"reviews"`
	Commits struct {
		Nodes []struct {
			Commit struct {
				OID           string    `json:"oid"`
				Message       string    `json:"message"`
				CommittedDate time.Time `json:"committedDate"`
				Author        struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"nodes"`
	} `json:"commits"`
	Files struct {
		Nodes []struct {
			Path       string `json:"path"`
			Additions  int    `json:"additions"`
			Deletions  int    `json:"deletions"`
			ChangeType string `json:"changeType"`
		} `json:"nodes"`
	} `json:"files"`
	Comments struct {
		Nodes []struct {
			ID        string    `json:"id"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
			Author    *gqlActor `json:"author"`
		} `json:"nodes"`
	} `json:"comments"`
}

func (g gqlPullRequest) toPullRequest() PullRequest {
	pr := PullRequest{
		Number:       g.Number,
		Title:        g.Title,
		State:        strings.ToLower(g.State),
		Author:       g.Author.login(),
		Draft:        g.IsDraft,
		BaseRef:      g.BaseRefName,
		HeadRef:      g.HeadRefName,
		Additions:    g.Additions,
		Deletions:    g.Deletions,
		ChangedFiles: g.ChangedFiles,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.UpdatedAt,
		MergedAt:     g.MergedAt,
		ClosedAt:     g.ClosedAt,
	}
	for _, n := range g.Reviews.Nodes {
		pr.Reviews = append(pr.Reviews, Review{
			ID:          n.ID,
			State:       strings.ToLower(n.State),
			Author:      n.Author.login(),
			Body:        n.Body,
			SubmittedAt: n.SubmittedAt,
		})
	}
	for _, n := range g.Commits.Nodes {
		pr.Commits = append(pr.Commits, Commit{
			SHA:         n.Commit.OID,
			Message:     n.Commit.Message,
			AuthorName:  n.Commit.Author.Name,
			AuthorEmail: n.Commit.Author.Email,
			CommittedAt: n.Commit.CommittedDate,
		})
	}
	for _, n := range g.Files.Nodes {
		pr.Files = append(pr.Files, File{
			Path:       n.Path,
			Additions:  n.Additions,
			Deletions:  n.Deletions,
			ChangeType: strings.ToLower(n.ChangeType),
		})
	}
	for _, n := range g.Comments.Nodes {
		pr.Comments = append(pr.Comments, Comment{
			ID:        n.ID,
			Author:    n.Author.login(),
			Body:      n.Body,
			CreatedAt: n.CreatedAt,
		})
	}
	return pr
}

// graphQL posts a query and decodes data into out. Body-level errors are
// classified; a 404 from the endpoint itself means the bulk form is not
// available on this host.
func (c *Client) graphQL(ctx context.Context, cred Credential, op, query string, vars map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return syncerr.New(syncerr.CodeInternal, op, fmt.Errorf("failed to marshal query: %w", err))
	}

	resp, err := c.do(ctx, cred, request{op: op, method: http.MethodPost, path: "/graphql", body: payload})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return fmt.Errorf("%s: %w", op, errBulkUnavailable)
		}
		return err
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return syncerr.New(syncerr.CodeUpstreamUnavailable, op, fmt.Errorf("failed to parse response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		return classifyGraphQLErrors(op, envelope.Errors)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return syncerr.New(syncerr.CodeUpstreamUnavailable, op, fmt.Errorf("failed to parse data: %w", err))
	}
	return nil
}

func classifyGraphQLErrors(op string, errs []graphQLError) error {
	first := errs[0]
	detail := fmt.Errorf("%s: %s", first.Type, first.Message)
	switch {
	case first.Type == "NOT_FOUND":
		return syncerr.New(syncerr.CodeNotFound, op, detail)
	case first.Type == "RATE_LIMITED":
		return syncerr.New(syncerr.CodeRateLimited, op, detail)
	case first.Type == "FORBIDDEN":
		return syncerr.New(syncerr.CodeAuth, op, detail)
	case strings.Contains(first.Type, "LIMIT"):
		return syncerr.New(syncerr.CodeResourceLimit, op, detail)
	default:
		return syncerr.New(syncerr.CodeInternal, op, detail)
	}
}

// shouldFallback reports whether a bulk failure should be retried through REST.
func shouldFallback(err error) bool {
	return errors.Is(err, errBulkUnavailable) || syncerr.Is(err, syncerr.CodeResourceLimit)
}

func (c *Client) listPullRequestsBulk(ctx context.Context, cred Credential, owner, repo string, q PageQuery) (*PullRequestPage, error) {
	vars := map[string]interface{}{
		"owner":     owner,
		"name":      repo,
		"first":     q.PageSize,
		"direction": string(q.Direction),
	}
	if q.Cursor != "" {
		vars["after"] = q.Cursor
	}

	var data struct {
		Repository *struct {
			PullRequests struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []json.RawMessage `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	}
	if err := c.graphQL(ctx, cred, "list pull requests", listPullRequestsQuery, vars, &data); err != nil {
		return nil, err
	}
	if data.Repository == nil {
		return nil, syncerr.New(syncerr.CodeNotFound, "list pull requests", fmt.Errorf("repository %s/%s not found", owner, repo))
	}

	page := &PullRequestPage{}
	for _, raw := range data.Repository.PullRequests.Nodes {
		var node gqlPullRequest
		if err := json.Unmarshal(raw, &node); err != nil {
			page.Errors = append(page.Errors, syncerr.New(syncerr.CodeMalformedRecord, "decode pull request", err))
			continue
		}
		pr := node.toPullRequest()
		if err := validate(pr); err != nil {
			page.Errors = append(page.Errors, err)
			continue
		}
		page.Items = append(page.Items, pr)
	}
	if data.Repository.PullRequests.PageInfo.HasNextPage {
		page.NextCursor = data.Repository.PullRequests.PageInfo.EndCursor
	}
	return page, nil
}

func (c *Client) getPullRequestBulk(ctx context.Context, cred Credential, owner, repo string, number int) (*PullRequest, error) {
	vars := map[string]interface{}{
		"owner":  owner,
		"name":   repo,
		"number": number,
	}
	var data struct {
		Repository *struct {
			PullRequest *json.RawMessage `json:"pullRequest"`
		} `json:"repository"`
	}
	if err := c.graphQL(ctx, cred, "get pull request", getPullRequestQuery, vars, &data); err != nil {
		return nil, err
	}
	if data.Repository == nil || data.Repository.PullRequest == nil {
		return nil, syncerr.New(syncerr.CodeNotFound, "get pull request", fmt.Errorf("pull request %s/%s#%d not found", owner, repo, number))
	}

	var node gqlPullRequest
	if err := json.Unmarshal(*data.Repository.PullRequest, &node); err != nil {
		return nil, syncerr.New(syncerr.CodeMalformedRecord, "decode pull request", err)
	}
	pr := node.toPullRequest()
	if err := validate(pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func validate(pr PullRequest) error {
	if pr.Number <= 0 {
		return syncerr.New(syncerr.CodeMalformedRecord, "validate pull request", fmt.Errorf("invalid number %d", pr.Number))
	}
	if pr.UpdatedAt.IsZero() {
		return syncerr.New(syncerr.CodeMalformedRecord, "validate pull request", fmt.Errorf("pull request #%d has no update time", pr.Number))
	}
	return nil
}

func shouldDisableBulk(err error) bool {
	return errors.Is(err, errBulkUnavailable)
}
