package github

import (
	"time"

	"github.com/vipul43/repopulse/internal/ratelimit"
)

// Credential is the access credential for one tenant integration. Key scopes
// rate accounting and the per-credential lane; it is never sent upstream.
type Credential struct {
	Key   string
	Token string
}

// Direction orders pull request pages by last update.
type Direction string

const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

// PageQuery selects one page of pull requests.
type PageQuery struct {
	Cursor    string
	PageSize  int
	Direction Direction
}

type PullRequest struct {
	Number       int
	Title        string
	State        string // open, closed or merged
	Author       string
	Draft        bool
	BaseRef      string
	HeadRef      string
	Additions    int
	Deletions    int
	ChangedFiles int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MergedAt     *time.Time
	ClosedAt     *time.Time
	Reviews      []Review
	Commits      []Commit
	Files        []File
	Comments     []Comment
}

type Review struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Author      string     `json:"author"`
	Body        string     `json:"body,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

type Commit struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	CommittedAt time.Time `json:"committed_at"`
}

type File struct {
	Path       string `json:"path"`
	Additions  int    `json:"additions"`
	Deletions  int    `json:"deletions"`
	ChangeType string `json:"change_type"`
}

type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequestPage is one page of pull requests with nested sub-resources.
// Items that could not be decoded are reported in Errors and left out of Items.
type PullRequestPage struct {
	Items      []PullRequest
	Errors     []error
	NextCursor string
	Snapshot   ratelimit.Snapshot
}

// ActivityEntry is one row of the issue activity feed. Pull requests appear in
// the feed as issues carrying a pull_request member.
type ActivityEntry struct {
	Number        int
	UpdatedAt     time.Time
	IsPullRequest bool
}

type ActivityPage struct {
	Entries    []ActivityEntry
	NextCursor string
	Snapshot   ratelimit.Snapshot
}
