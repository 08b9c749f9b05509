package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/issuemirror/issuemirror/internal/coalesce"
	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/upstream"
)

func newIssueService(t *testing.T, env *testEnv) *IssueService {
	t.Helper()
	factory := func(token string) upstream.Client { return env.stub }
	flights := coalesce.New(10 * time.Second)
	return NewIssueService(env.db, env.cache, flights, env.ledger, env.syncer, env.resolver,
		factory, time.Minute, 10*time.Minute)
}

func TestGetIssuesTriggersInitialSync(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", UpdatedAt: time.Now()},
		{Number: 2, Title: "b", State: "open", UpdatedAt: time.Now()},
	}

	page, err := svc.GetIssues(ctx, "acme", "widgets", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if env.stub.listIssueCalls != 1 {
		t.Fatalf("expected one upstream listing for the initial sync, got %d", env.stub.listIssueCalls)
	}
	if page.Total != 2 || len(page.Issues) != 2 {
		t.Fatalf("unexpected page: total=%d issues=%d", page.Total, len(page.Issues))
	}
	if page.LastSyncAt == nil {
		t.Fatal("expected last sync time on the page")
	}
}

func TestGetIssuesServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", UpdatedAt: time.Now()},
	}

	if _, err := svc.GetIssues(ctx, "acme", "widgets", 1, ""); err != nil {
		t.Fatal(err)
	}
	calls := env.stub.listIssueCalls

	// Second read hits the cached page; upstream stays untouched.
	page, err := svc.GetIssues(ctx, "acme", "widgets", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if env.stub.listIssueCalls != calls {
		t.Fatal("cached read reached upstream")
	}
	if len(page.Issues) != 1 {
		t.Fatalf("unexpected cached page: %+v", page)
	}
}

func TestGetIssuesLabelFilter(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", Labels: []string{"bug"}, UpdatedAt: time.Now()},
		{Number: 2, Title: "b", State: "open", Labels: []string{"feature"}, UpdatedAt: time.Now()},
	}

	page, err := svc.GetIssues(ctx, "acme", "widgets", 1, "bug")
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Issues) != 1 || page.Issues[0].Number != 1 {
		t.Fatalf("unexpected filtered page: %+v", page)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)

	_, err := svc.GetIssue(context.Background(), "acme", "widgets", 99)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCreateIssueMirrorsLocally(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()

	created, err := svc.CreateIssue(ctx, "acme", "widgets", "new issue", "details", []string{"bug"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Number == 0 {
		t.Fatalf("expected assigned number, got %+v", created)
	}

	mirrored, err := env.db.GetIssue(ctx, "acme", "widgets", created.Number)
	if err != nil {
		t.Fatal(err)
	}
	if mirrored.Title != "new issue" {
		t.Fatalf("create not mirrored: %+v", mirrored)
	}
}

func TestUpdateIssueMirrorsLocally(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()

	seed := &models.Issue{
		Owner: "acme", Repo: "widgets", Number: 1,
		Title: "before", State: "open", UpdatedAt: time.Now().UTC(),
	}
	if err := env.db.UpsertIssue(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.UpdateIssue(ctx, "acme", "widgets", 1, "after", "", "closed", nil); err != nil {
		t.Fatal(err)
	}
	mirrored, err := env.db.GetIssue(ctx, "acme", "widgets", 1)
	if err != nil {
		t.Fatal(err)
	}
	if mirrored.Title != "after" || mirrored.State != "closed" {
		t.Fatalf("update not mirrored: %+v", mirrored)
	}
}

func TestCreateLabelMirrorsLocally(t *testing.T) {
	env := newTestEnv(t)
	svc := newIssueService(t, env)
	ctx := context.Background()

	created, err := svc.CreateLabel(ctx, "Acme", "Widgets", &models.Label{Name: "triage", Color: "ededed"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Owner != "acme" || created.Repo != "widgets" {
		t.Fatalf("expected normalized repo key, got %+v", created)
	}

	labels, err := env.db.ListLabels(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0].Name != "triage" {
		t.Fatalf("label not mirrored: %+v", labels)
	}
}
