package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS repo_configs (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	token_encrypted TEXT NOT NULL,
	page_size INTEGER NOT NULL DEFAULT 50,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_repo_configs_repo ON repo_configs(owner, repo, id);

CREATE TABLE IF NOT EXISTS issues (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	labels_csv TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	upstream_created_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(owner, repo, number)
);

CREATE TABLE IF NOT EXISTS labels (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	UNIQUE(owner, repo, name)
);

CREATE TABLE IF NOT EXISTS sync_records (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	status TEXT NOT NULL,
	sync_type TEXT NOT NULL,
	issues_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	last_sync_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_records_repo ON sync_records(owner, repo, id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// --- Repo Configs ---

func (p *PostgresDB) SaveRepoConfig(ctx context.Context, cfg *models.RepoConfig) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO repo_configs (owner, repo, token_encrypted, page_size)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		cfg.Owner, cfg.Repo, cfg.TokenEncrypted, cfg.PageSize,
	).Scan(&cfg.ID, &cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save repo config: %w", err)
	}
	return nil
}

func (p *PostgresDB) GetRepoConfig(ctx context.Context, owner, repo string) (*models.RepoConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, token_encrypted, page_size, created_at
		 FROM repo_configs WHERE owner = $1 AND repo = $2
		 ORDER BY id DESC LIMIT 1`, owner, repo)
	return scanRepoConfig(row)
}

func (p *PostgresDB) LatestRepoConfig(ctx context.Context) (*models.RepoConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, token_encrypted, page_size, created_at
		 FROM repo_configs ORDER BY id DESC LIMIT 1`)
	return scanRepoConfig(row)
}

// --- Issues ---

const pgUpsertIssue = `
	INSERT INTO issues (owner, repo, number, title, body, state, labels_csv, upstream_created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (owner, repo, number) DO UPDATE SET
		title = EXCLUDED.title,
		body = EXCLUDED.body,
		state = EXCLUDED.state,
		labels_csv = EXCLUDED.labels_csv,
		upstream_created_at = EXCLUDED.upstream_created_at,
		updated_at = EXCLUDED.updated_at`

func (p *PostgresDB) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	issue.LabelsCSV = models.JoinLabels(issue.Labels)
	_, err := p.db.ExecContext(ctx, pgUpsertIssue,
		issue.Owner, issue.Repo, issue.Number, issue.Title, issue.Body, issue.State,
		issue.LabelsCSV, nullTime(issue.UpstreamCreatedAt), issue.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
	}
	return nil
}

func (p *PostgresDB) UpsertIssues(ctx context.Context, issues []models.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range issues {
		issue := &issues[i]
		issue.LabelsCSV = models.JoinLabels(issue.Labels)
		if _, err := tx.ExecContext(ctx, pgUpsertIssue,
			issue.Owner, issue.Repo, issue.Number, issue.Title, issue.Body, issue.State,
			issue.LabelsCSV, nullTime(issue.UpstreamCreatedAt), issue.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresDB) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, number, title, body, state, labels_csv, created_at, upstream_created_at, updated_at
		 FROM issues WHERE owner = $1 AND repo = $2 AND number = $3`,
		owner, repo, number)
	return scanIssueRow(row)
}

func (p *PostgresDB) ListIssuesPage(ctx context.Context, owner, repo, labelFilter string, limit, offset int) ([]models.Issue, error) {
	query := `SELECT id, owner, repo, number, title, body, state, labels_csv, created_at, upstream_created_at, updated_at
		 FROM issues WHERE owner = $1 AND repo = $2`
	args := []any{owner, repo}
	if labelFilter != "" {
		query += ` AND (',' || labels_csv || ',') LIKE ('%,' || $3 || ',%')
		 ORDER BY number DESC LIMIT $4 OFFSET $5`
		args = append(args, labelFilter, limit, offset)
	} else {
		query += ` ORDER BY number DESC LIMIT $3 OFFSET $4`
		args = append(args, limit, offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

func (p *PostgresDB) CountIssues(ctx context.Context, owner, repo, labelFilter string) (int, error) {
	query := `SELECT COUNT(*) FROM issues WHERE owner = $1 AND repo = $2`
	args := []any{owner, repo}
	if labelFilter != "" {
		query += ` AND (',' || labels_csv || ',') LIKE ('%,' || $3 || ',%')`
		args = append(args, labelFilter)
	}
	var count int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (p *PostgresDB) TouchIssuesWithLabel(ctx context.Context, owner, repo, label string, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE issues SET updated_at = $1
		 WHERE owner = $2 AND repo = $3 AND (',' || labels_csv || ',') LIKE ('%,' || $4 || ',%')`,
		now.UTC(), owner, repo, label)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Labels ---

func (p *PostgresDB) UpsertLabel(ctx context.Context, label *models.Label) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO labels (owner, repo, name, color, description)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner, repo, name) DO UPDATE SET
			 color = EXCLUDED.color,
			 description = EXCLUDED.description`,
		label.Owner, label.Repo, label.Name, label.Color, label.Description)
	if err != nil {
		return fmt.Errorf("upsert label %s: %w", label.Name, err)
	}
	return nil
}

func (p *PostgresDB) ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, repo, name, color, description
		 FROM labels WHERE owner = $1 AND repo = $2 ORDER BY name`,
		owner, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.ID, &l.Owner, &l.Repo, &l.Name, &l.Color, &l.Description); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (p *PostgresDB) DeleteLabel(ctx context.Context, owner, repo, name string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM labels WHERE owner = $1 AND repo = $2 AND name = $3`,
		owner, repo, name)
	return err
}

// --- Sync Records ---

func (p *PostgresDB) InsertSyncRecord(ctx context.Context, rec *models.SyncRecord) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO sync_records (owner, repo, status, sync_type, issues_synced, error_message, last_sync_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		rec.Owner, rec.Repo, rec.Status, rec.SyncType, rec.IssuesSynced, rec.ErrorMessage, rec.LastSyncAt.UTC(),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

func (p *PostgresDB) PruneSyncRecords(ctx context.Context, owner, repo string, keep int) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM sync_records
		 WHERE owner = $1 AND repo = $2 AND id NOT IN (
			 SELECT id FROM sync_records WHERE owner = $1 AND repo = $2
			 ORDER BY id DESC LIMIT $3
		 )`,
		owner, repo, keep)
	return err
}

func (p *PostgresDB) CountSyncRecords(ctx context.Context, owner, repo string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records WHERE owner = $1 AND repo = $2`,
		owner, repo).Scan(&count)
	return count, err
}

func (p *PostgresDB) LatestSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = $1 AND repo = $2
		 ORDER BY id DESC LIMIT 1`, owner, repo)
	return scanSyncRecord(row)
}

func (p *PostgresDB) LatestSuccessfulSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = $1 AND repo = $2 AND status = $3
		 ORDER BY id DESC LIMIT 1`, owner, repo, models.SyncStatusSuccess)
	return scanSyncRecord(row)
}

func (p *PostgresDB) ListSyncRecords(ctx context.Context, owner, repo string, limit int) ([]models.SyncRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = $1 AND repo = $2
		 ORDER BY id DESC LIMIT $3`, owner, repo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		var rec models.SyncRecord
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Repo, &rec.Status, &rec.SyncType,
			&rec.IssuesSynced, &rec.ErrorMessage, &rec.LastSyncAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Cache Entries ---

func (p *PostgresDB) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := p.db.QueryRowContext(ctx,
		`SELECT key, value, expires_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&entry.Key, &entry.Value, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (p *PostgresDB) SetCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			 value = EXCLUDED.value,
			 expires_at = EXCLUDED.expires_at`,
		entry.Key, entry.Value, entry.ExpiresAt.UTC())
	return err
}

func (p *PostgresDB) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return err
}

func (p *PostgresDB) DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE $1 || '%'`, prefix)
	return err
}

func (p *PostgresDB) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, now.UTC())
	return err
}
