package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
)

const DefaultHistoryLimit = 20

// Ledger is the append-only, retention-bounded audit trail of sync attempts.
// Every synchronization attempt lands here, success or failure, regardless
// of what triggered it.
type Ledger struct {
	db        database.DB
	limit     int
	freshness time.Duration
}

func NewLedger(db database.DB, limit int, freshness time.Duration) *Ledger {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Ledger{db: db, limit: limit, freshness: freshness}
}

// Append inserts the record and, in the same logical operation, evicts the
// oldest rows beyond the retention cap.
func (l *Ledger) Append(ctx context.Context, rec *models.SyncRecord) error {
	rec.Owner, rec.Repo = models.RepoKey(rec.Owner, rec.Repo)
	if err := l.db.InsertSyncRecord(ctx, rec); err != nil {
		return &StoreError{Op: "append sync record", Err: err}
	}
	count, err := l.db.CountSyncRecords(ctx, rec.Owner, rec.Repo)
	if err != nil {
		return &StoreError{Op: "count sync records", Err: err}
	}
	if count > l.limit {
		if err := l.db.PruneSyncRecords(ctx, rec.Owner, rec.Repo, l.limit); err != nil {
			return &StoreError{Op: "prune sync records", Err: err}
		}
	}
	return nil
}

// Latest returns the most recent record of any status, or nil when none.
func (l *Ledger) Latest(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	owner, repo = models.RepoKey(owner, repo)
	rec, err := l.db.LatestSyncRecord(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "latest sync record", Err: err}
	}
	return rec, nil
}

// LatestSuccess returns the most recent successful record, or nil when none.
// Its LastSyncAt is the lower bound an incremental sync filters on.
func (l *Ledger) LatestSuccess(ctx context.Context, owner, repo string) (*models.SyncRecord, error) {
	owner, repo = models.RepoKey(owner, repo)
	rec, err := l.db.LatestSuccessfulSyncRecord(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "latest successful sync record", Err: err}
	}
	return rec, nil
}

// NeedsSync reports whether the mirror is stale: no record at all, or the
// most recent one older than the freshness threshold.
func (l *Ledger) NeedsSync(ctx context.Context, owner, repo string) (bool, error) {
	rec, err := l.Latest(ctx, owner, repo)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	return time.Since(rec.LastSyncAt) > l.freshness, nil
}

// History returns up to n most recent records, newest first.
func (l *Ledger) History(ctx context.Context, owner, repo string, n int) ([]models.SyncRecord, error) {
	owner, repo = models.RepoKey(owner, repo)
	if n <= 0 || n > l.limit {
		n = l.limit
	}
	records, err := l.db.ListSyncRecords(ctx, owner, repo, n)
	if err != nil {
		return nil, &StoreError{Op: "list sync records", Err: err}
	}
	return records, nil
}
