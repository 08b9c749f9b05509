package models

import (
	"strings"
	"time"
)

// RepoConfig is one persisted configuration row for an upstream repository.
// Rows are append-only: a re-save inserts a new row that supersedes the old
// one, so configuration history survives.
type RepoConfig struct {
	ID             int64     `json:"id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	TokenEncrypted string    `json:"-"`
	PageSize       int       `json:"page_size"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sanitized returns the view of the config that is safe to cache or serve:
// everything except the credential.
func (c *RepoConfig) Sanitized() RepoConfigView {
	return RepoConfigView{
		Owner:    c.Owner,
		Repo:     c.Repo,
		PageSize: c.PageSize,
	}
}

type RepoConfigView struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	PageSize int    `json:"page_size"`
}

type Issue struct {
	ID        int64    `json:"id"`
	Owner     string   `json:"owner"`
	Repo      string   `json:"repo"`
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	State     string   `json:"state"` // "open", "closed"
	LabelsCSV string   `json:"-"`
	Labels    []string `json:"labels"`
	// CreatedAt is when this row first appeared locally; UpstreamCreatedAt is
	// the issue's creation time at the upstream tracker.
	CreatedAt         time.Time `json:"created_at"`
	UpstreamCreatedAt time.Time `json:"upstream_created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Label struct {
	ID          int64  `json:"id"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeWebhook     SyncType = "webhook"
)

// SyncRecord is one row of the append-only sync audit ledger.
type SyncRecord struct {
	ID           int64      `json:"id"`
	Owner        string     `json:"owner"`
	Repo         string     `json:"repo"`
	Status       SyncStatus `json:"status"`
	SyncType     SyncType   `json:"sync_type"`
	IssuesSynced int        `json:"issues_synced"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LastSyncAt   time.Time  `json:"last_sync_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CacheEntry is one row of the durable cache tier.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JoinLabels flattens a label-name list into the CSV form stored on issue
// rows. Names are trimmed and deduplicated, order preserved.
func JoinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return strings.Join(out, ",")
}

// SplitLabels is the inverse of JoinLabels.
func SplitLabels(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RepoKey normalizes an (owner, repo) pair to its canonical identity. Owner
// and repo compare case-insensitively everywhere in the engine.
func RepoKey(owner, repo string) (string, string) {
	return strings.ToLower(strings.TrimSpace(owner)), strings.ToLower(strings.TrimSpace(repo))
}
