package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newWebhookEnv(t *testing.T) (*testEnv, *WebhookService) {
	t.Helper()
	env := newTestEnv(t)
	svc := NewWebhookService(env.db, env.cache, env.ledger, env.resolver, "hook-secret", 5*time.Minute, nil)
	return env, svc
}

const issuePayload = `{
	"action": "opened",
	"issue": {
		"number": 5,
		"title": "panic on empty input",
		"body": "steps to reproduce",
		"state": "open",
		"labels": [{"name": "bug"}],
		"created_at": "2026-08-01T10:00:00Z",
		"updated_at": "2026-08-20T12:00:00Z"
	},
	"repository": {"name": "Widgets", "owner": {"login": "Acme"}}
}`

func TestIngestRejectsBadSignature(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()
	body := []byte(issuePayload)

	for _, sig := range []string{"", "sha256=deadbeef", signBody("wrong-secret", body)} {
		if _, err := svc.Ingest(ctx, body, sig, "issues", "d-1"); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("signature %q: expected ErrBadSignature, got %v", sig, err)
		}
	}

	// A rejected delivery leaves no trace.
	count, err := env.db.CountIssues(ctx, "acme", "widgets", "")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("rejected delivery mutated the store: %d issues", count)
	}
	records, err := env.ledger.History(ctx, "acme", "widgets", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("rejected delivery wrote %d ledger records", len(records))
	}
}

func TestIngestIssueEvent(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()
	body := []byte(issuePayload)

	result, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Event != "issues" || result.Action != "opened" || result.IssuesSynced != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	issue, err := env.db.GetIssue(ctx, "acme", "widgets", 5)
	if err != nil {
		t.Fatal(err)
	}
	if issue.Title != "panic on empty input" || issue.State != "open" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
	if len(issue.Labels) != 1 || issue.Labels[0] != "bug" {
		t.Fatalf("unexpected labels: %v", issue.Labels)
	}

	rec, err := env.ledger.Latest(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.SyncType != models.SyncTypeWebhook || rec.Status != models.SyncStatusSuccess {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
}

func TestIngestIssueEventPreservesLocalCreatedAt(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()

	seed := &models.Issue{
		Owner: "acme", Repo: "widgets", Number: 5,
		Title: "old title", State: "open", UpdatedAt: time.Now().Add(-time.Hour).UTC(),
	}
	if err := env.db.UpsertIssue(ctx, seed); err != nil {
		t.Fatal(err)
	}
	before, err := env.db.GetIssue(ctx, "acme", "widgets", 5)
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(issuePayload)
	if _, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", "d-1"); err != nil {
		t.Fatal(err)
	}

	after, err := env.db.GetIssue(ctx, "acme", "widgets", 5)
	if err != nil {
		t.Fatal(err)
	}
	if after.Title != "panic on empty input" {
		t.Fatalf("event did not update the issue: %+v", after)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("local created_at changed: %v != %v", after.CreatedAt, before.CreatedAt)
	}
}

func TestIngestDuplicateDelivery(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()
	body := []byte(issuePayload)

	if _, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", "d-42"); err != nil {
		t.Fatal(err)
	}
	result, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", "d-42")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Duplicate {
		t.Fatalf("expected duplicate acknowledgement, got %+v", result)
	}

	records, err := env.ledger.History(ctx, "acme", "widgets", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("duplicate delivery must not append to the ledger, got %d records", len(records))
	}
}

func TestIngestLabelEditTouchesIssues(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	seeds := []models.Issue{
		{Owner: "acme", Repo: "widgets", Number: 1, Title: "a", State: "open", Labels: []string{"bug"}, UpdatedAt: old},
		{Owner: "acme", Repo: "widgets", Number: 2, Title: "b", State: "open", Labels: []string{"bug", "ui"}, UpdatedAt: old},
		{Owner: "acme", Repo: "widgets", Number: 3, Title: "c", State: "open", Labels: []string{"feature"}, UpdatedAt: old},
	}
	if err := env.db.UpsertIssues(ctx, seeds); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{
		"action": "edited",
		"label": {"name": "bug", "color": "b60205", "description": "confirmed defect"},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)
	result, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "label", "d-7")
	if err != nil {
		t.Fatal(err)
	}
	if result.IssuesSynced != 2 {
		t.Fatalf("expected 2 touched issues, got %d", result.IssuesSynced)
	}

	labels, err := env.db.ListLabels(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0].Color != "b60205" {
		t.Fatalf("label not mirrored: %+v", labels)
	}

	untouched, err := env.db.GetIssue(ctx, "acme", "widgets", 3)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.UpdatedAt.After(old.Add(time.Minute)) {
		t.Fatal("issue without the label was touched")
	}
}

func TestIngestLabelDeleteKeepsIssueReferences(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()

	if err := env.db.UpsertLabel(ctx, &models.Label{Owner: "acme", Repo: "widgets", Name: "bug"}); err != nil {
		t.Fatal(err)
	}
	seed := &models.Issue{
		Owner: "acme", Repo: "widgets", Number: 1,
		Title: "a", State: "open", Labels: []string{"bug"},
		UpdatedAt: time.Now().UTC(),
	}
	if err := env.db.UpsertIssue(ctx, seed); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{
		"action": "deleted",
		"label": {"name": "bug"},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)
	if _, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "label", "d-8"); err != nil {
		t.Fatal(err)
	}

	labels, err := env.db.ListLabels(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 0 {
		t.Fatalf("expected label row deleted, got %+v", labels)
	}

	// Issues keep the now-orphaned label name.
	issue, err := env.db.GetIssue(ctx, "acme", "widgets", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(issue.Labels) != 1 || issue.Labels[0] != "bug" {
		t.Fatalf("label delete must not cascade into issue rows: %v", issue.Labels)
	}
}

func TestIngestUnsupportedEvent(t *testing.T) {
	env, svc := newWebhookEnv(t)
	ctx := context.Background()
	body := []byte(`{"zen": "anything added dilutes everything else"}`)

	_, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "watch", "d-9")
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}

	records, err := env.ledger.History(ctx, "acme", "widgets", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("unsupported events must not reach the ledger, got %d records", len(records))
	}
}

func TestIngestInvalidPayload(t *testing.T) {
	_, svc := newWebhookEnv(t)
	ctx := context.Background()

	cases := []string{
		`not json`,
		`{"action": "opened", "issue": {"number": 0, "title": "x", "state": "open"}, "repository": {"name": "widgets", "owner": {"login": "acme"}}}`,
		`{"action": "opened", "issue": {"number": 1, "title": "", "state": "open"}, "repository": {"name": "widgets", "owner": {"login": "acme"}}}`,
		`{"action": "opened", "issue": {"number": 1, "title": "x", "state": "open"}, "repository": {"name": "", "owner": {"login": ""}}}`,
	}
	for i, raw := range cases {
		body := []byte(raw)
		_, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", fmt.Sprintf("d-%d", i))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestIngestUnconfiguredRepository(t *testing.T) {
	_, svc := newWebhookEnv(t)
	ctx := context.Background()

	body := []byte(`{
		"action": "opened",
		"issue": {"number": 1, "title": "x", "state": "open"},
		"repository": {"name": "other", "owner": {"login": "someone"}}
	}`)
	_, err := svc.Ingest(ctx, body, signBody("hook-secret", body), "issues", "d-10")
	if !errors.Is(err, ErrRepositoryNotConfigured) {
		t.Fatalf("expected ErrRepositoryNotConfigured, got %v", err)
	}
}
