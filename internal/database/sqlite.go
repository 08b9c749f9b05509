package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS repo_configs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	token_encrypted TEXT NOT NULL,
	page_size INTEGER NOT NULL DEFAULT 50,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_repo_configs_repo ON repo_configs(owner, repo, id);

CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	labels_csv TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	upstream_created_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(owner, repo, number)
);

CREATE TABLE IF NOT EXISTS labels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	UNIQUE(owner, repo, name)
);

CREATE TABLE IF NOT EXISTS sync_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	status TEXT NOT NULL,
	sync_type TEXT NOT NULL,
	issues_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	last_sync_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_records_repo ON sync_records(owner, repo, id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// --- Repo Configs ---

func (s *SQLiteDB) SaveRepoConfig(ctx context.Context, cfg *models.RepoConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repo_configs (owner, repo, token_encrypted, page_size, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cfg.Owner, cfg.Repo, cfg.TokenEncrypted, cfg.PageSize, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save repo config: %w", err)
	}
	cfg.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetRepoConfig(ctx context.Context, owner, repo string) (*models.RepoConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, token_encrypted, page_size, created_at
		 FROM repo_configs WHERE owner = ? AND repo = ?
		 ORDER BY id DESC LIMIT 1`, owner, repo)
	return scanRepoConfig(row)
}

func (s *SQLiteDB) LatestRepoConfig(ctx context.Context) (*models.RepoConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, token_encrypted, page_size, created_at
		 FROM repo_configs ORDER BY id DESC LIMIT 1`)
	return scanRepoConfig(row)
}

func scanRepoConfig(row *sql.Row) (*models.RepoConfig, error) {
	var cfg models.RepoConfig
	err := row.Scan(&cfg.ID, &cfg.Owner, &cfg.Repo, &cfg.TokenEncrypted, &cfg.PageSize, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// --- Issues ---

func (s *SQLiteDB) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	issue.LabelsCSV = models.JoinLabels(issue.Labels)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (owner, repo, number, title, body, state, labels_csv, upstream_created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner, repo, number) DO UPDATE SET
			 title = excluded.title,
			 body = excluded.body,
			 state = excluded.state,
			 labels_csv = excluded.labels_csv,
			 upstream_created_at = excluded.upstream_created_at,
			 updated_at = excluded.updated_at`,
		issue.Owner, issue.Repo, issue.Number, issue.Title, issue.Body, issue.State,
		issue.LabelsCSV, nullTime(issue.UpstreamCreatedAt), issue.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
	}
	return nil
}

func (s *SQLiteDB) UpsertIssues(ctx context.Context, issues []models.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO issues (owner, repo, number, title, body, state, labels_csv, upstream_created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner, repo, number) DO UPDATE SET
			 title = excluded.title,
			 body = excluded.body,
			 state = excluded.state,
			 labels_csv = excluded.labels_csv,
			 upstream_created_at = excluded.upstream_created_at,
			 updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range issues {
		issue := &issues[i]
		issue.LabelsCSV = models.JoinLabels(issue.Labels)
		if _, err := stmt.ExecContext(ctx,
			issue.Owner, issue.Repo, issue.Number, issue.Title, issue.Body, issue.State,
			issue.LabelsCSV, nullTime(issue.UpstreamCreatedAt), issue.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("upsert issue #%d: %w", issue.Number, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, number, title, body, state, labels_csv, created_at, upstream_created_at, updated_at
		 FROM issues WHERE owner = ? AND repo = ? AND number = ?`,
		owner, repo, number)
	return scanIssueRow(row)
}

func (s *SQLiteDB) ListIssuesPage(ctx context.Context, owner, repo, labelFilter string, limit, offset int) ([]models.Issue, error) {
	query := `SELECT id, owner, repo, number, title, body, state, labels_csv, created_at, upstream_created_at, updated_at
		 FROM issues WHERE owner = ? AND repo = ?`
	args := []any{owner, repo}
	if labelFilter != "" {
		query += ` AND (',' || labels_csv || ',') LIKE ('%,' || ? || ',%')`
		args = append(args, labelFilter)
	}
	query += ` ORDER BY number DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteDB) CountIssues(ctx context.Context, owner, repo, labelFilter string) (int, error) {
	query := `SELECT COUNT(*) FROM issues WHERE owner = ? AND repo = ?`
	args := []any{owner, repo}
	if labelFilter != "" {
		query += ` AND (',' || labels_csv || ',') LIKE ('%,' || ? || ',%')`
		args = append(args, labelFilter)
	}
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *SQLiteDB) TouchIssuesWithLabel(ctx context.Context, owner, repo, label string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET updated_at = ?
		 WHERE owner = ? AND repo = ? AND (',' || labels_csv || ',') LIKE ('%,' || ? || ',%')`,
		now.UTC(), owner, repo, label)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssueRow(row *sql.Row) (*models.Issue, error) {
	return scanIssue(row)
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var issue models.Issue
	var upstreamCreated sql.NullTime
	err := row.Scan(&issue.ID, &issue.Owner, &issue.Repo, &issue.Number, &issue.Title,
		&issue.Body, &issue.State, &issue.LabelsCSV, &issue.CreatedAt, &upstreamCreated, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if upstreamCreated.Valid {
		issue.UpstreamCreatedAt = upstreamCreated.Time
	}
	issue.Labels = models.SplitLabels(issue.LabelsCSV)
	return &issue, nil
}

// --- Labels ---

func (s *SQLiteDB) UpsertLabel(ctx context.Context, label *models.Label) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO labels (owner, repo, name, color, description)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner, repo, name) DO UPDATE SET
			 color = excluded.color,
			 description = excluded.description`,
		label.Owner, label.Repo, label.Name, label.Color, label.Description)
	if err != nil {
		return fmt.Errorf("upsert label %s: %w", label.Name, err)
	}
	return nil
}

func (s *SQLiteDB) ListLabels(ctx context.Context, owner, repo string) ([]models.Label, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, repo, name, color, description
		 FROM labels WHERE owner = ? AND repo = ? ORDER BY name`,
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

func (s *SQLiteDB) DeleteLabel(ctx context.Context, owner, repo, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM labels WHERE owner = ? AND repo = ? AND name = ?`,
		owner, repo, name)
	return err
}

// --- Sync Records ---

func (s *SQLiteDB) InsertSyncRecord(ctx context.Context, rec *models.SyncRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_records (owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Owner, rec.Repo, rec.Status, rec.SyncType, rec.IssuesSynced, rec.ErrorMessage, rec.LastSyncAt.UTC(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) PruneSyncRecords(ctx context.Context, owner, repo string, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_records
		 WHERE owner = ? AND repo = ? AND id NOT IN (
			 SELECT id FROM sync_records WHERE owner = ? AND repo = ?
			 ORDER BY id DESC LIMIT ?
		 )`,
		owner, repo, owner, repo, keep)
	return err
}

func (s *SQLiteDB) CountSyncRecords(ctx context.Context, owner, repo string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records WHERE owner = ? AND repo = ?`,
		owner, repo).Scan(&count)
	return count, err
}

func (s *SQLiteDB) LatestSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = ? AND repo = ?
		 ORDER BY id DESC LIMIT 1`, owner, repo)
	return scanSyncRecord(row)
}

func (s *SQLiteDB) LatestSuccessfulSyncRecord(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = ? AND repo = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`, owner, repo, models.SyncStatusSuccess)
	return scanSyncRecord(row)
}

func (s *SQLiteDB) ListSyncRecords(ctx context.Context, owner, repo string, limit int) ([]models.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, repo, status, sync_type, issues_synced, error_message, last_sync_at, created_at
		 FROM sync_records WHERE owner = ? AND repo = ?
		 ORDER BY id DESC LIMIT ?`, owner, repo, limit)
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

func scanSyncRecord(row *sql.Row) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	err := row.Scan(&rec.ID, &rec.Owner, &rec.Repo, &rec.Status, &rec.SyncType,
		&rec.IssuesSynced, &rec.ErrorMessage, &rec.LastSyncAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Cache Entries ---

func (s *SQLiteDB) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&entry.Key, &entry.Value, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteDB) SetCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			 value = excluded.value,
			 expires_at = excluded.expires_at`,
		entry.Key, entry.Value, entry.ExpiresAt.UTC())
	return err
}

func (s *SQLiteDB) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *SQLiteDB) DeleteCacheEntriesByPrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? || '%'`, prefix)
	return err
}

func (s *SQLiteDB) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UTC())
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
