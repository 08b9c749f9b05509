// Package upstream wraps the GitHub REST API behind the narrow surface the
// sync engine needs: paginated label and issue reads with a since/label
// filter, plus the explicit create/update pass-throughs.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// ListOptions narrows an issue listing. A zero Since means no lower bound.
type ListOptions struct {
	Since   time.Time
	PerPage int
	Labels  []string
}

// Client is the upstream surface the orchestrator depends on. The GitHub
// implementation lives here; tests substitute stubs.
type Client interface {
	ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error)
	ListIssues(ctx context.Context, owner, repo string, opts ListOptions) ([]models.Issue, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.Issue, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, title, body, state string, labels []string) (*models.Issue, error)
	CreateLabel(ctx context.Context, owner, repo string, label *models.Label) (*models.Label, error)
}

// Factory builds a client for a resolved credential. The token is decrypted
// immediately before this call and goes no further than the HTTP transport.
type Factory func(token string) Client

type GitHubClient struct {
	client *github.Client
}

func NewGitHubClient(token string) *GitHubClient {
	var tc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc = oauth2.NewClient(context.Background(), ts)
	}
	return &GitHubClient{client: github.NewClient(tc)}
}

// NewClient is the Factory for real GitHub access.
func NewClient(token string) Client {
	return NewGitHubClient(token)
}

func (c *GitHubClient) ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error) {
	var all []models.Label
	opts := &github.ListOptions{PerPage: 100}
	for {
		labels, resp, err := c.client.Issues.ListLabels(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list labels: %w", err)
		}
		for _, l := range labels {
			all = append(all, convertLabel(owner, repo, l))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *GitHubClient) ListIssues(ctx context.Context, owner, repo string, opts ListOptions) ([]models.Issue, error) {
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	ghOpts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		Labels:      opts.Labels,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	if !opts.Since.IsZero() {
		ghOpts.Since = opts.Since
	}

	var all []models.Issue
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, ghOpts)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		for _, issue := range issues {
			// Pull requests come back through the issues API; skip them.
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, convertIssue(owner, repo, issue))
		}
		if resp.NextPage == 0 {
			break
		}
		ghOpts.Page = resp.NextPage
	}
	return all, nil
}

func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.Issue, error) {
	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	created, _, err := c.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	issue := convertIssue(owner, repo, created)
	return &issue, nil
}

func (c *GitHubClient) UpdateIssue(ctx context.Context, owner, repo string, number int, title, body, state string, labels []string) (*models.Issue, error) {
	req := &github.IssueRequest{}
	if title != "" {
		req.Title = github.String(title)
	}
	if body != "" {
		req.Body = github.String(body)
	}
	if state != "" {
		req.State = github.String(state)
	}
	if labels != nil {
		req.Labels = &labels
	}
	updated, _, err := c.client.Issues.Edit(ctx, owner, repo, number, req)
	if err != nil {
		return nil, fmt.Errorf("update issue #%d: %w", number, err)
	}
	issue := convertIssue(owner, repo, updated)
	return &issue, nil
}

func (c *GitHubClient) CreateLabel(ctx context.Context, owner, repo string, label *models.Label) (*models.Label, error) {
	created, _, err := c.client.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:        github.String(label.Name),
		Color:       github.String(label.Color),
		Description: github.String(label.Description),
	})
	if err != nil {
		return nil, fmt.Errorf("create label %s: %w", label.Name, err)
	}
	out := convertLabel(owner, repo, created)
	return &out, nil
}

func convertIssue(owner, repo string, issue *github.Issue) models.Issue {
	owner, repo = models.RepoKey(owner, repo)
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	return models.Issue{
		Owner:             owner,
		Repo:              repo,
		Number:            issue.GetNumber(),
		Title:             issue.GetTitle(),
		Body:              issue.GetBody(),
		State:             strings.ToLower(issue.GetState()),
		Labels:            labels,
		UpstreamCreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt:         issue.GetUpdatedAt().Time,
	}
}

func convertLabel(owner, repo string, label *github.Label) models.Label {
	owner, repo = models.RepoKey(owner, repo)
	return models.Label{
		Owner:       owner,
		Repo:        repo,
		Name:        label.GetName(),
		Color:       label.GetColor(),
		Description: label.GetDescription(),
	}
}
