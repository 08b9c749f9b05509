package database

import (
	"context"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
//
// Owner/repo arguments are expected in canonical (lower-cased) form; callers
// normalize via models.RepoKey before reaching this layer.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Repo configs
	SaveRepoConfig(ctx context.Context, cfg *models.RepoConfig) error
	GetRepoConfig(ctx context.Context, owner, repo string) (*models.RepoConfig, error)
	LatestRepoConfig(ctx context.Context) (*models.RepoConfig, error)

	// Issues
	UpsertIssue(ctx context.Context, issue *models.Issue) error
	UpsertIssues(ctx context.Context, issues []models.Issue) error
	GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error)
	ListIssuesPage(ctx context.Context, owner, repo, labelFilter string, limit, offset int) ([]models.Issue, error)
	CountIssues(ctx context.Context, owner, repo, labelFilter string) (int, error)
	TouchIssuesWithLabel(ctx context.Context, owner, repo, label string, now time.Time) (int, error)

	// Labels
	UpsertLabel(ctx context.Context, label *models.Label) error
	ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error)
	DeleteLabel(ctx context.Context, owner, repo, name string) error

	// Sync records
	InsertSyncRecord(ctx context.Context, rec *models.SyncRecord) error
	PruneSyncRecords(ctx context.Context, owner, repo string, keep int) error
	CountSyncRecords(ctx context.Context, owner, repo string) (int, error)
	LatestSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error)
	LatestSuccessfulSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error)
	ListSyncRecords(ctx context.Context, owner, repo string, limit int) ([]models.SyncRecord, error)

	// Durable cache tier
	GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error)
	SetCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error
	PurgeExpiredCacheEntries(ctx context.Context, now time.Time) error
}
