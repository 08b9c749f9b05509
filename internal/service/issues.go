package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/coalesce"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/upstream"
)

// IssuePage is what the read entry point hands to the presentation layer.
type IssuePage struct {
	Issues     []models.Issue `json:"issues"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	LastSyncAt *time.Time     `json:"last_sync_at,omitempty"`
}

// IssueService serves reads cache-first and coalesced, and implements the
// explicit upstream pass-throughs for creating and updating entities.
type IssueService struct {
	db        database.DB
	cache     *cache.Cache
	flights   *coalesce.Group
	ledger    *Ledger
	syncer    *Syncer
	resolver  *Resolver
	newClient upstream.Factory

	issueTTL time.Duration
	labelTTL time.Duration
}

func NewIssueService(db database.DB, c *cache.Cache, flights *coalesce.Group, ledger *Ledger, syncer *Syncer, resolver *Resolver, factory upstream.Factory, issueTTL, labelTTL time.Duration) *IssueService {
	return &IssueService{
		db:        db,
		cache:     c,
		flights:   flights,
		ledger:    ledger,
		syncer:    syncer,
		resolver:  resolver,
		newClient: factory,
		issueTTL:  issueTTL,
		labelTTL:  labelTTL,
	}
}

// GetIssues returns one page of mirrored issues. Cache hit returns
// immediately; concurrent misses for the same page share a single load.
func (s *IssueService) GetIssues(ctx context.Context, owner, repo string, page int, labelFilter string) (*IssuePage, error) {
	owner, repo = models.RepoKey(owner, repo)
	if page < 1 {
		page = 1
	}

	key := cache.IssuePageKey(owner, repo, page, labelFilter)
	var cached IssuePage
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	value, err, _ := s.flights.Do(coalesce.Key{
		Kind: "issues", Owner: owner, Repo: repo, Page: page, Filter: labelFilter,
	}, func() (any, error) {
		return s.loadIssuePage(ctx, owner, repo, page, labelFilter)
	})
	if err != nil {
		return nil, err
	}
	result := value.(*IssuePage)

	if err := s.cache.Set(ctx, key, result, s.issueTTL); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *IssueService) loadIssuePage(ctx context.Context, owner, repo string, page int, labelFilter string) (*IssuePage, error) {
	latest, err := s.ledger.LatestSuccess(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		// Nothing mirrored yet; populate the store before serving. A
		// concurrent sync inside its cooldown window means someone else is
		// already on it, so fall through to whatever the store holds.
		if _, err := s.syncer.Sync(ctx, owner, repo, SyncOptions{}); err != nil {
			var cooldown *CooldownError
			if !errors.As(err, &cooldown) {
				return nil, err
			}
		}
		latest, err = s.ledger.LatestSuccess(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := s.resolver.Resolve(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	limit := cfg.PageSize
	offset := (page - 1) * limit

	issues, err := s.db.ListIssuesPage(ctx, owner, repo, labelFilter, limit, offset)
	if err != nil {
		return nil, &StoreError{Op: "list issues", Err: err}
	}
	total, err := s.db.CountIssues(ctx, owner, repo, labelFilter)
	if err != nil {
		return nil, &StoreError{Op: "count issues", Err: err}
	}

	result := &IssuePage{
		Issues: issues,
		Total:  total,
		Page:   page,
	}
	if issues == nil {
		result.Issues = []models.Issue{}
	}
	if latest != nil {
		at := latest.LastSyncAt
		result.LastSyncAt = &at
	}
	return result, nil
}

// GetIssue returns one mirrored issue, cache-first.
func (s *IssueService) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	owner, repo = models.RepoKey(owner, repo)

	key := cache.IssueKey(owner, repo, number)
	var cached models.Issue
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}

	value, err, _ := s.flights.Do(coalesce.Key{
		Kind: "issue", Owner: owner, Repo: repo, Page: number,
	}, func() (any, error) {
		issue, err := s.db.GetIssue(ctx, owner, repo, number)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
			return nil, &StoreError{Op: "get issue", Err: err}
		}
		return issue, nil
	})
	if err != nil {
		return nil, err
	}
	issue := value.(*models.Issue)

	if err := s.cache.Set(ctx, key, issue, s.issueTTL); err != nil {
		return nil, err
	}
	return issue, nil
}

// ListLabels returns the mirrored label set, cache-first.
func (s *IssueService) ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error) {
	owner, repo = models.RepoKey(owner, repo)

	key := cache.LabelsKey(owner, repo)
	var cached []models.Label
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	labels, err := s.db.ListLabels(ctx, owner, repo)
	if err != nil {
		return nil, &StoreError{Op: "list labels", Err: err}
	}
	if labels == nil {
		labels = []models.Label{}
	}
	if err := s.cache.Set(ctx, key, labels, s.labelTTL); err != nil {
		return nil, err
	}
	return labels, nil
}

// CreateIssue is the explicit pass-through: create upstream, mirror the
// result locally, invalidate derived caches.
func (s *IssueService) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.Issue, error) {
	owner, repo = models.RepoKey(owner, repo)

	client, err := s.upstreamClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	issue, err := client.CreateIssue(ctx, owner, repo, title, body, labels)
	if err != nil {
		return nil, &UpstreamError{Op: "create issue", Err: err}
	}
	if err := s.db.UpsertIssue(ctx, issue); err != nil {
		return nil, &StoreError{Op: "mirror created issue", Err: err}
	}
	s.cache.InvalidateRepo(ctx, owner, repo)
	return issue, nil
}

// UpdateIssue is the explicit pass-through for edits and state changes.
func (s *IssueService) UpdateIssue(ctx context.Context, owner, repo string, number int, title, body, state string, labels []string) (*models.Issue, error) {
	owner, repo = models.RepoKey(owner, repo)

	client, err := s.upstreamClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	issue, err := client.UpdateIssue(ctx, owner, repo, number, title, body, state, labels)
	if err != nil {
		return nil, &UpstreamError{Op: "update issue", Err: err}
	}
	if err := s.db.UpsertIssue(ctx, issue); err != nil {
		return nil, &StoreError{Op: "mirror updated issue", Err: err}
	}
	s.cache.InvalidateRepo(ctx, owner, repo)
	return issue, nil
}

// CreateLabel is the explicit pass-through for new labels.
func (s *IssueService) CreateLabel(ctx context.Context, owner, repo string, label *models.Label) (*models.Label, error) {
	owner, repo = models.RepoKey(owner, repo)

	client, err := s.upstreamClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	created, err := client.CreateLabel(ctx, owner, repo, label)
	if err != nil {
		return nil, &UpstreamError{Op: "create label", Err: err}
	}
	if err := s.db.UpsertLabel(ctx, created); err != nil {
		return nil, &StoreError{Op: "mirror created label", Err: err}
	}
	s.cache.Invalidate(ctx, cache.LabelsKey(owner, repo))
	return created, nil
}

func (s *IssueService) upstreamClient(ctx context.Context, owner, repo string) (upstream.Client, error) {
	cfg, err := s.resolver.Resolve(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	token, err := s.resolver.Token(cfg)
	if err != nil {
		return nil, err
	}
	return s.newClient(token), nil
}
