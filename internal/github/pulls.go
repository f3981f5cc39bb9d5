package github

import (
	"context"
	"log"
	"strings"
	"time"
)

// ListPullRequests fetches one page of pull requests with their nested
// sub-resources, ordered by last update. The bulk form is preferred; REST is
// used when the bulk endpoint is unavailable or rejects the query as too
// large. REST cursors are not interchangeable with bulk cursors, so a switch
// mid-listing restarts from the first REST page.
func (c *Client) ListPullRequests(ctx context.Context, cred Credential, owner, repo string, q PageQuery) (*PullRequestPage, error) {
	if q.Direction == "" {
		q.Direction = Ascending
	}

	if !c.bulkDisabled.Load() && !strings.HasPrefix(q.Cursor, restCursorPrefix) {
		bulk := q
		if bulk.PageSize <= 0 {
			bulk.PageSize = graphQLPageSize
		}
		page, err := c.listPullRequestsBulk(ctx, cred, owner, repo, bulk)
		if err == nil {
			page.Snapshot = c.Snapshot(cred.Key)
			return page, nil
		}
		if !shouldFallback(err) {
			return nil, err
		}
		c.noteFallback(err, owner, repo)
		q.Cursor = ""
	}

	if q.PageSize <= 0 {
		q.PageSize = restPageSize
	}
	page, err := c.listPullRequestsREST(ctx, cred, owner, repo, q)
	if err != nil {
		return nil, err
	}
	page.Snapshot = c.Snapshot(cred.Key)
	return page, nil
}

// GetPullRequest fetches one pull request with all sub-resources.
func (c *Client) GetPullRequest(ctx context.Context, cred Credential, owner, repo string, number int) (*PullRequest, error) {
	if !c.bulkDisabled.Load() {
		pr, err := c.getPullRequestBulk(ctx, cred, owner, repo, number)
		if err == nil {
			return pr, nil
		}
		if !shouldFallback(err) {
			return nil, err
		}
		c.noteFallback(err, owner, repo)
	}
	return c.getPullRequestREST(ctx, cred, owner, repo, number)
}

// ListActivity fetches one page of the issue activity feed updated at or
// after since, oldest first. Pull requests have no native since filter; this
// feed is the sibling resource that does.
func (c *Client) ListActivity(ctx context.Context, cred Credential, owner, repo string, since time.Time, cursor string) (*ActivityPage, error) {
	page, err := c.listActivityREST(ctx, cred, owner, repo, since, cursor)
	if err != nil {
		return nil, err
	}
	page.Snapshot = c.Snapshot(cred.Key)
	return page, nil
}

func (c *Client) noteFallback(err error, owner, repo string) {
	if shouldDisableBulk(err) {
		c.bulkDisabled.Store(true)
	}
	log.Printf("Warning: bulk query for %s/%s failed, falling back to REST: %v", owner, repo, err)
}
