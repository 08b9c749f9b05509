package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/secret"
	"github.com/issuemirror/issuemirror/internal/upstream"
)

type stubClient struct {
	mu             sync.Mutex
	labels         []models.Label
	issues         []models.Issue
	labelsErr      error
	issuesErr      error
	listLabelCalls int
	listIssueCalls int
	lastSince      time.Time
	lastToken      string
}

func (s *stubClient) ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLabelCalls++
	if s.labelsErr != nil {
		return nil, s.labelsErr
	}
	out := make([]models.Label, len(s.labels))
	copy(out, s.labels)
	return out, nil
}

func (s *stubClient) ListIssues(ctx context.Context, owner, repo string, opts upstream.ListOptions) ([]models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listIssueCalls++
	s.lastSince = opts.Since
	if s.issuesErr != nil {
		return nil, s.issuesErr
	}
	out := make([]models.Issue, len(s.issues))
	copy(out, s.issues)
	return out, nil
}

func (s *stubClient) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	number := len(s.issues) + 1
	issue := models.Issue{
		Owner: owner, Repo: repo, Number: number,
		Title: title, Body: body, State: "open",
		Labels: labels, UpdatedAt: time.Now().UTC(),
	}
	s.issues = append(s.issues, issue)
	return &issue, nil
}

func (s *stubClient) UpdateIssue(ctx context.Context, owner, repo string, number int, title, body, state string, labels []string) (*models.Issue, error) {
	issue := models.Issue{
		Owner: owner, Repo: repo, Number: number,
		Title: title, Body: body, State: state,
		Labels: labels, UpdatedAt: time.Now().UTC(),
	}
	return &issue, nil
}

func (s *stubClient) CreateLabel(ctx context.Context, owner, repo string, label *models.Label) (*models.Label, error) {
	created := *label
	created.Owner, created.Repo = models.RepoKey(owner, repo)
	return &created, nil
}

type testEnv struct {
	db       database.DB
	cache    *cache.Cache
	resolver *Resolver
	ledger   *Ledger
	syncer   *Syncer
	stub     *stubClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	box, err := secret.NewBox("unit-test-encryption-secret")
	if err != nil {
		t.Fatal(err)
	}
	store, err := cache.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}

	stub := &stubClient{}
	factory := func(token string) upstream.Client {
		stub.mu.Lock()
		stub.lastToken = token
		stub.mu.Unlock()
		return stub
	}

	resolver := NewResolver(db, box, store, EnvConfig{
		Owner: "acme", Repo: "widgets", Token: "env-token", PageSize: 50,
	}, time.Hour)
	ledger := NewLedger(db, 20, 5*time.Minute)
	syncer := NewSyncer(db, store, resolver, ledger, factory, time.Minute, nil)

	return &testEnv{db: db, cache: store, resolver: resolver, ledger: ledger, syncer: syncer, stub: stub}
}

func TestFullSyncMirrorsUpstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stub.labels = []models.Label{
		{Name: "bug", Color: "ff0000"},
		{Name: "feature", Color: "00ff00"},
	}
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", Labels: []string{"bug"}, UpdatedAt: time.Now()},
		{Number: 2, Title: "b", State: "open", UpdatedAt: time.Now()},
		{Number: 3, Title: "c", State: "closed", Labels: []string{"feature"}, UpdatedAt: time.Now()},
	}

	result, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.SyncType != models.SyncTypeFull {
		t.Fatalf("expected full sync, got %s", result.SyncType)
	}
	if result.IssuesSynced != 3 || result.LabelsSynced != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if env.stub.lastToken != "env-token" {
		t.Fatalf("client built with wrong credential: %q", env.stub.lastToken)
	}

	count, err := env.db.CountIssues(ctx, "acme", "widgets", "")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected 3 mirrored issues, got %d", count)
	}
	labels, err := env.db.ListLabels(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 {
		t.Fatalf("expected 2 mirrored labels, got %d", len(labels))
	}

	rec, err := env.ledger.Latest(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != models.SyncStatusSuccess || rec.IssuesSynced != 3 {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
}

func TestSyncCooldownBlocksRepeatedAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	before := env.stub.listIssueCalls

	_, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if cooldown.Remaining <= 0 {
		t.Fatalf("expected positive remaining cooldown, got %v", cooldown.Remaining)
	}
	if env.stub.listIssueCalls != before {
		t.Fatal("suppressed sync must not reach upstream")
	}

	// A cooldown rejection does not pollute the ledger.
	records, err := env.ledger.History(ctx, "acme", "widgets", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(records))
	}

	env.syncer.ResetCooldown("acme", "widgets")
	if _, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestIncrementalSyncFollowsLastSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", UpdatedAt: time.Now()},
	}

	first, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !env.stub.lastSince.IsZero() {
		t.Fatalf("full sync must not pass a since bound, got %v", env.stub.lastSince)
	}

	env.syncer.ResetCooldown("acme", "widgets")
	env.stub.issues = []models.Issue{
		{Number: 2, Title: "b", State: "open", UpdatedAt: time.Now()},
	}
	second, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if second.SyncType != models.SyncTypeIncremental {
		t.Fatalf("expected incremental, got %s", second.SyncType)
	}
	if env.stub.lastSince.IsZero() {
		t.Fatal("incremental sync must pass the previous success time")
	}
	if env.stub.lastSince.Sub(first.LastSyncAt).Abs() > 2*time.Second {
		t.Fatalf("since %v drifted from last success %v", env.stub.lastSince, first.LastSyncAt)
	}
}

func TestIncrementalZeroDeltaKeepsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stub.issues = []models.Issue{
		{Number: 1, Title: "a", State: "open", UpdatedAt: time.Now()},
	}
	if _, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	key := cache.IssuePageKey("acme", "widgets", 1, "")
	if err := env.cache.Set(ctx, key, "cached-page", time.Minute); err != nil {
		t.Fatal(err)
	}

	env.syncer.ResetCooldown("acme", "widgets")
	env.stub.issues = nil
	result, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.SyncType != models.SyncTypeIncremental || result.IssuesSynced != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, ok := env.cache.Get(ctx, key); !ok {
		t.Fatal("zero-delta incremental sync must not invalidate cached pages")
	}

	rec, err := env.ledger.Latest(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.SyncStatusSuccess || rec.IssuesSynced != 0 {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
}

func TestForcedSyncIsFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	env.syncer.ResetCooldown("acme", "widgets")
	result, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.SyncType != models.SyncTypeFull {
		t.Fatalf("expected forced sync to be full, got %s", result.SyncType)
	}
	if !env.stub.lastSince.IsZero() {
		t.Fatalf("forced sync must not pass a since bound, got %v", env.stub.lastSince)
	}
}

func TestSyncFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stub.issuesErr = errors.New("upstream unavailable")

	_, err := env.syncer.Sync(ctx, "acme", "widgets", SyncOptions{})
	if err == nil {
		t.Fatal("expected sync to fail")
	}
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}

	rec, err := env.ledger.Latest(ctx, "acme", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != models.SyncStatusFailed {
		t.Fatalf("expected failed ledger record, got %+v", rec)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("expected error message on failed record")
	}
}
