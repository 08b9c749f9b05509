package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/upstream"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultCooldown = 60 * time.Second

type SyncOptions struct {
	// Force requests a full sync regardless of prior state.
	Force bool
}

type SyncResult struct {
	Owner        string          `json:"owner"`
	Repo         string          `json:"repo"`
	SyncType     models.SyncType `json:"sync_type"`
	IssuesSynced int             `json:"issues_synced"`
	LabelsSynced int             `json:"labels_synced"`
	LastSyncAt   time.Time       `json:"last_sync_at"`
}

// Syncer decides full vs. incremental, executes the sync against upstream,
// merges results into the durable store, and keeps the ledger. It is the
// single sync path for user-triggered, scheduled, and CLI syncs.
type Syncer struct {
	db        database.DB
	cache     *cache.Cache
	resolver  *Resolver
	ledger    *Ledger
	newClient upstream.Factory
	cooldown  time.Duration
	logger    *slog.Logger

	// lastAttempt closes the cooldown race: it is updated under mu before
	// any suspension point, so a second caller cannot slip past the check
	// while the first is still talking to upstream.
	mu          sync.Mutex
	lastAttempt map[string]time.Time
}

func NewSyncer(db database.DB, c *cache.Cache, resolver *Resolver, ledger *Ledger, factory upstream.Factory, cooldown time.Duration, logger *slog.Logger) *Syncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		db:          db,
		cache:       c,
		resolver:    resolver,
		ledger:      ledger,
		newClient:   factory,
		cooldown:    cooldown,
		logger:      logger,
		lastAttempt: make(map[string]time.Time),
	}
}

// Sync runs one synchronization pass for (owner, repo).
func (s *Syncer) Sync(ctx context.Context, owner, repo string, opts SyncOptions) (*SyncResult, error) {
	owner, repo = models.RepoKey(owner, repo)

	if remaining := s.markAttempt(owner, repo); remaining > 0 {
		return nil, &CooldownError{Remaining: remaining}
	}

	runID := uuid.NewString()
	started := time.Now().UTC()

	tracer := otel.Tracer("issuemirror/sync")
	ctx, span := tracer.Start(ctx, "sync")
	span.SetAttributes(
		attribute.String("repo.owner", owner),
		attribute.String("repo.name", repo),
		attribute.Bool("sync.force", opts.Force),
	)
	defer span.End()

	syncType := models.SyncTypeFull
	var since time.Time
	if !opts.Force {
		prev, err := s.ledger.LatestSuccess(ctx, owner, repo)
		if err != nil {
			return nil, s.fail(ctx, owner, repo, syncType, started, err)
		}
		if prev != nil {
			syncType = models.SyncTypeIncremental
			since = prev.LastSyncAt
		}
	}
	span.SetAttributes(attribute.String("sync.type", string(syncType)))

	cfg, err := s.resolver.Resolve(ctx, owner, repo)
	if err != nil {
		return nil, s.fail(ctx, owner, repo, syncType, started, err)
	}
	token, err := s.resolver.Token(cfg)
	if err != nil {
		return nil, s.fail(ctx, owner, repo, syncType, started, err)
	}
	client := s.newClient(token)

	s.logger.Info("sync started",
		"run_id", runID, "owner", owner, "repo", repo, "type", syncType, "since", since)

	// Labels first: small, cheap, and issue rows reference them by name.
	labels, err := client.ListLabels(ctx, owner, repo)
	if err != nil {
		wrapped := &UpstreamError{Op: "list labels", Err: err}
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, s.fail(ctx, owner, repo, syncType, started, wrapped)
	}
	labelsSaved := 0
	for i := range labels {
		labels[i].Owner, labels[i].Repo = owner, repo
		if err := s.db.UpsertLabel(ctx, &labels[i]); err != nil {
			// Best effort: one bad label does not abort the batch.
			s.logger.Warn("label upsert failed",
				"run_id", runID, "label", labels[i].Name, "error", err)
			continue
		}
		labelsSaved++
	}

	issues, err := client.ListIssues(ctx, owner, repo, upstream.ListOptions{
		Since:   since,
		PerPage: cfg.PageSize,
	})
	if err != nil {
		wrapped := &UpstreamError{Op: "list issues", Err: err}
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, s.fail(ctx, owner, repo, syncType, started, wrapped)
	}

	// An incremental pass with no changed issues leaves cached pages alone:
	// nothing changed, so nothing is stale.
	if syncType == models.SyncTypeIncremental && len(issues) == 0 {
		result := &SyncResult{
			Owner: owner, Repo: repo,
			SyncType:     syncType,
			LabelsSynced: labelsSaved,
			LastSyncAt:   started,
		}
		if err := s.record(ctx, owner, repo, syncType, models.SyncStatusSuccess, 0, "", started); err != nil {
			return nil, err
		}
		observeSync(string(syncType), "success", time.Since(started))
		s.logger.Info("sync complete", "run_id", runID, "owner", owner, "repo", repo,
			"type", syncType, "issues", 0)
		return result, nil
	}

	for i := range issues {
		issues[i].Owner, issues[i].Repo = owner, repo
	}
	if err := s.db.UpsertIssues(ctx, issues); err != nil {
		wrapped := &StoreError{Op: "upsert issues", Err: err}
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, s.fail(ctx, owner, repo, syncType, started, wrapped)
	}

	s.cache.InvalidateRepo(ctx, owner, repo)

	if err := s.record(ctx, owner, repo, syncType, models.SyncStatusSuccess, len(issues), "", started); err != nil {
		return nil, err
	}
	observeSync(string(syncType), "success", time.Since(started))
	span.SetAttributes(attribute.Int("sync.issues", len(issues)))

	s.logger.Info("sync complete", "run_id", runID, "owner", owner, "repo", repo,
		"type", syncType, "issues", len(issues), "labels", labelsSaved,
		"elapsed", time.Since(started))

	return &SyncResult{
		Owner: owner, Repo: repo,
		SyncType:     syncType,
		IssuesSynced: len(issues),
		LabelsSynced: labelsSaved,
		LastSyncAt:   started,
	}, nil
}

// markAttempt records the attempt timestamp and returns the remaining
// cooldown if the previous attempt was too recent. Runs entirely under the
// mutex with no suspension point.
func (s *Syncer) markAttempt(owner, repo string) time.Duration {
	key := owner + "/" + repo
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastAttempt[key]; ok {
		if elapsed := now.Sub(last); elapsed < s.cooldown {
			return s.cooldown - elapsed
		}
	}
	s.lastAttempt[key] = now
	return 0
}

// ResetCooldown forgets the last attempt for a repo. Used by tests and the
// config save path, where a fresh configuration warrants an immediate sync.
func (s *Syncer) ResetCooldown(owner, repo string) {
	owner, repo = models.RepoKey(owner, repo)
	s.mu.Lock()
	delete(s.lastAttempt, owner+"/"+repo)
	s.mu.Unlock()
}

func (s *Syncer) fail(ctx context.Context, owner, repo string, syncType models.SyncType, started time.Time, cause error) error {
	observeSync(string(syncType), "failed", time.Since(started))
	if err := s.record(ctx, owner, repo, syncType, models.SyncStatusFailed, 0, cause.Error(), started); err != nil {
		s.logger.Error("recording failed sync", "owner", owner, "repo", repo, "error", err)
	}
	s.logger.Error("sync failed", "owner", owner, "repo", repo, "type", syncType, "error", cause)
	return cause
}

func (s *Syncer) record(ctx context.Context, owner, repo string, syncType models.SyncType, status models.SyncStatus, issues int, message string, at time.Time) error {
	return s.ledger.Append(ctx, &models.SyncRecord{
		Owner:        owner,
		Repo:         repo,
		Status:       status,
		SyncType:     syncType,
		IssuesSynced: issues,
		ErrorMessage: message,
		LastSyncAt:   at,
	})
}
