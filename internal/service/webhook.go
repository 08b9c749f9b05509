package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
)

// WebhookService ingests externally-pushed change events. Events bypass the
// orchestrator's polling decision and mutate the durable store directly,
// then invalidate derived caches so subsequent reads are consistent.
type WebhookService struct {
	db        database.DB
	cache     *cache.Cache
	ledger    *Ledger
	resolver  *Resolver
	secret    string
	verifyTTL time.Duration
	logger    *slog.Logger
}

func NewWebhookService(db database.DB, c *cache.Cache, ledger *Ledger, resolver *Resolver, secret string, verifyTTL time.Duration, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		db:        db,
		cache:     c,
		ledger:    ledger,
		resolver:  resolver,
		secret:    secret,
		verifyTTL: verifyTTL,
		logger:    logger,
	}
}

type IngestResult struct {
	Event        string `json:"event"`
	Action       string `json:"action,omitempty"`
	IssuesSynced int    `json:"issues_synced"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type repoRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type issueEventPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"issue"`
	Repository repoRef `json:"repository"`
}

type labelEventPayload struct {
	Action string `json:"action"`
	Label  struct {
		Name        string `json:"name"`
		Color       string `json:"color"`
		Description string `json:"description"`
	} `json:"label"`
	Repository repoRef `json:"repository"`
}

// VerifySignature checks the HMAC-SHA256 signature header against the raw
// body. Comparison is constant-time; a missing secret always fails.
func (s *WebhookService) VerifySignature(body []byte, signatureHeader string) error {
	if s.secret == "" || signatureHeader == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return ErrBadSignature
	}
	return nil
}

// Ingest verifies and applies one pushed change event. Mutation failures
// are recorded in the ledger before being surfaced; a panic during mutation
// is recovered and treated the same way, so the caller always gets a
// well-formed error.
func (s *WebhookService) Ingest(ctx context.Context, body []byte, signatureHeader, eventType, deliveryID string) (result *IngestResult, err error) {
	if err := s.VerifySignature(body, signatureHeader); err != nil {
		observeWebhookEvent(eventType, "rejected")
		return nil, err
	}

	// Redeliveries are idempotent: a delivery ID already applied within the
	// verification window is acknowledged without re-mutating.
	if deliveryID != "" {
		var seen bool
		if s.cache.GetJSON(ctx, cache.DeliveryKey(deliveryID), &seen) && seen {
			observeWebhookEvent(eventType, "duplicate")
			return &IngestResult{Event: eventType, Duplicate: true}, nil
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("webhook mutation panic: %v", rec)
			s.recordFailure(ctx, body, err)
			observeWebhookEvent(eventType, "failed")
		}
	}()

	switch eventType {
	case "issues":
		result, err = s.ingestIssueEvent(ctx, body)
	case "label":
		result, err = s.ingestLabelEvent(ctx, body)
	case "ping":
		observeWebhookEvent(eventType, "ok")
		return &IngestResult{Event: "ping"}, nil
	default:
		observeWebhookEvent(eventType, "unsupported")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
	if err != nil {
		observeWebhookEvent(eventType, "failed")
		return nil, err
	}

	if deliveryID != "" {
		_ = s.cache.Set(ctx, cache.DeliveryKey(deliveryID), true, s.verifyTTL)
	}
	observeWebhookEvent(eventType, "ok")
	return result, nil
}

func (s *WebhookService) ingestIssueEvent(ctx context.Context, body []byte) (*IngestResult, error) {
	var payload issueEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Issue.Number <= 0 || payload.Issue.Title == "" || payload.Issue.State == "" {
		return nil, fmt.Errorf("%w: issue events require number, title, and state", ErrInvalidPayload)
	}
	owner, repo := models.RepoKey(payload.Repository.Owner.Login, payload.Repository.Name)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: repository owner and name are required", ErrInvalidPayload)
	}

	if _, err := s.resolver.Resolve(ctx, owner, repo); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepositoryNotConfigured, owner, repo)
		}
		return nil, err
	}

	labels := make([]string, 0, len(payload.Issue.Labels))
	for _, l := range payload.Issue.Labels {
		labels = append(labels, l.Name)
	}
	updatedAt := payload.Issue.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	issue := &models.Issue{
		Owner:             owner,
		Repo:              repo,
		Number:            payload.Issue.Number,
		Title:             payload.Issue.Title,
		Body:              payload.Issue.Body,
		State:             payload.Issue.State,
		Labels:            labels,
		UpstreamCreatedAt: payload.Issue.CreatedAt,
		UpdatedAt:         updatedAt,
	}
	// The upsert never touches the row's original created_at, so an issue
	// that already existed keeps it.
	if err := s.db.UpsertIssue(ctx, issue); err != nil {
		wrapped := &StoreError{Op: "webhook issue upsert", Err: err}
		s.recordFailure(ctx, body, wrapped)
		return nil, wrapped
	}

	s.cache.InvalidatePrefix(ctx, cache.IssuesPrefix(owner, repo))
	s.cache.Invalidate(ctx, cache.IssueKey(owner, repo, issue.Number))

	if err := s.recordOutcome(ctx, owner, repo, 1); err != nil {
		return nil, err
	}
	s.logger.Info("webhook issue applied",
		"owner", owner, "repo", repo, "number", issue.Number, "action", payload.Action)
	return &IngestResult{Event: "issues", Action: payload.Action, IssuesSynced: 1}, nil
}

func (s *WebhookService) ingestLabelEvent(ctx context.Context, body []byte) (*IngestResult, error) {
	var payload labelEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Label.Name == "" {
		return nil, fmt.Errorf("%w: label events require a label name", ErrInvalidPayload)
	}
	owner, repo := models.RepoKey(payload.Repository.Owner.Login, payload.Repository.Name)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: repository owner and name are required", ErrInvalidPayload)
	}

	if _, err := s.resolver.Resolve(ctx, owner, repo); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepositoryNotConfigured, owner, repo)
		}
		return nil, err
	}

	if payload.Action == "deleted" {
		// The label row goes away, but issues keep the orphaned name in
		// their label lists; references are not cascade-deleted.
		if err := s.db.DeleteLabel(ctx, owner, repo, payload.Label.Name); err != nil {
			wrapped := &StoreError{Op: "webhook label delete", Err: err}
			s.recordFailure(ctx, body, wrapped)
			return nil, wrapped
		}
		s.cache.Invalidate(ctx, cache.LabelsKey(owner, repo))
		if err := s.recordOutcome(ctx, owner, repo, 0); err != nil {
			return nil, err
		}
		s.logger.Info("webhook label deleted", "owner", owner, "repo", repo, "label", payload.Label.Name)
		return &IngestResult{Event: "label", Action: payload.Action}, nil
	}

	label := &models.Label{
		Owner:       owner,
		Repo:        repo,
		Name:        payload.Label.Name,
		Color:       payload.Label.Color,
		Description: payload.Label.Description,
	}
	if err := s.db.UpsertLabel(ctx, label); err != nil {
		wrapped := &StoreError{Op: "webhook label upsert", Err: err}
		s.recordFailure(ctx, body, wrapped)
		return nil, wrapped
	}

	// A rename or recolor is a visible change to every issue carrying the
	// label, so their updated_at moves too.
	affected, err := s.db.TouchIssuesWithLabel(ctx, owner, repo, label.Name, time.Now().UTC())
	if err != nil {
		wrapped := &StoreError{Op: "webhook label touch issues", Err: err}
		s.recordFailure(ctx, body, wrapped)
		return nil, wrapped
	}

	s.cache.InvalidateRepo(ctx, owner, repo)

	if err := s.recordOutcome(ctx, owner, repo, affected); err != nil {
		return nil, err
	}
	s.logger.Info("webhook label applied",
		"owner", owner, "repo", repo, "label", label.Name, "action", payload.Action, "issues_touched", affected)
	return &IngestResult{Event: "label", Action: payload.Action, IssuesSynced: affected}, nil
}

func (s *WebhookService) recordOutcome(ctx context.Context, owner, repo string, issues int) error {
	return s.ledger.Append(ctx, &models.SyncRecord{
		Owner:        owner,
		Repo:         repo,
		Status:       models.SyncStatusSuccess,
		SyncType:     models.SyncTypeWebhook,
		IssuesSynced: issues,
		LastSyncAt:   time.Now().UTC(),
	})
}

// recordFailure best-effort extracts the repo from the raw payload so even
// malformed mutations leave an audit trail.
func (s *WebhookService) recordFailure(ctx context.Context, body []byte, cause error) {
	var probe struct {
		Repository repoRef `json:"repository"`
	}
	_ = json.Unmarshal(body, &probe)
	owner, repo := models.RepoKey(probe.Repository.Owner.Login, probe.Repository.Name)
	if owner == "" || repo == "" {
		s.logger.Error("webhook mutation failed for unidentifiable repo", "error", cause)
		return
	}
	if err := s.ledger.Append(ctx, &models.SyncRecord{
		Owner:        owner,
		Repo:         repo,
		Status:       models.SyncStatusFailed,
		SyncType:     models.SyncTypeWebhook,
		ErrorMessage: cause.Error(),
		LastSyncAt:   time.Now().UTC(),
	}); err != nil {
		s.logger.Error("recording webhook failure", "owner", owner, "repo", repo, "error", err)
	}
}
