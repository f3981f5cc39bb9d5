package syncer

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/vipul43/repopulse/internal/github"
	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
)

// ToModel converts a fetched pull request into its stored form.
// Sub-resources are stored wholesale as JSON.
func ToModel(tenantID string, pr github.PullRequest) (models.PullRequest, error) {
	if pr.Number <= 0 {
		return models.PullRequest{}, syncerr.New(syncerr.CodeMalformedRecord, "convert pull request", fmt.Errorf("invalid number %d", pr.Number))
	}

	reviews, err := toJSON(pr.Reviews)
	if err != nil {
		return models.PullRequest{}, err
	}
	commits, err := toJSON(pr.Commits)
	if err != nil {
		return models.PullRequest{}, err
	}
	files, err := toJSON(pr.Files)
	if err != nil {
		return models.PullRequest{}, err
	}
	comments, err := toJSON(pr.Comments)
	if err != nil {
		return models.PullRequest{}, err
	}

	return models.PullRequest{
		TenantID:          tenantID,
		Number:            pr.Number,
		Title:             pr.Title,
		State:             pr.State,
		Author:            pr.Author,
		Draft:             pr.Draft,
		BaseRef:           pr.BaseRef,
		HeadRef:           pr.HeadRef,
		Additions:         pr.Additions,
		Deletions:         pr.Deletions,
		ChangedFiles:      pr.ChangedFiles,
		UpstreamCreatedAt: pr.CreatedAt.UTC(),
		UpstreamUpdatedAt: pr.UpdatedAt.UTC(),
		MergedAt:          pr.MergedAt,
		ClosedAt:          pr.ClosedAt,
		Reviews:           reviews,
		Commits:           commits,
		Files:             files,
		Comments:          comments,
	}, nil
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeMalformedRecord, "encode sub-resources", err)
	}
	return datatypes.JSON(data), nil
}
