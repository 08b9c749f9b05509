package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/secret"
)

// EnvConfig is the environment-sourced configuration layer, captured at
// startup. It participates in resolution only when owner, repo, and token
// are all present.
type EnvConfig struct {
	Owner    string
	Repo     string
	Token    string
	PageSize int
}

func (e EnvConfig) complete() bool {
	return e.Owner != "" && e.Repo != "" && e.Token != ""
}

// Resolver produces the active repository configuration from layered
// sources: explicit in-process override, then environment, then the most
// recently persisted row.
type Resolver struct {
	db       database.DB
	box      *secret.Box
	cache    *cache.Cache
	env      EnvConfig
	cacheTTL time.Duration

	mu       sync.RWMutex
	override *models.RepoConfig
}

func NewResolver(db database.DB, box *secret.Box, c *cache.Cache, env EnvConfig, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		db:       db,
		box:      box,
		cache:    c,
		env:      env,
		cacheTTL: cacheTTL,
	}
}

// Override installs an explicit in-process configuration that wins over all
// other sources until Reset.
func (r *Resolver) Override(cfg *models.RepoConfig) {
	r.mu.Lock()
	r.override = cfg
	r.mu.Unlock()
}

// Reset clears the in-process override.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.override = nil
	r.mu.Unlock()
}

// Resolve returns the active configuration for (owner, repo), comparing
// case-insensitively. Empty owner/repo accepts whatever the highest-priority
// source provides. The credential stays encrypted on the returned config;
// use Token to decrypt at the point of use.
func (r *Resolver) Resolve(ctx context.Context, owner, repo string) (*models.RepoConfig, error) {
	owner, repo = models.RepoKey(owner, repo)

	r.mu.RLock()
	override := r.override
	r.mu.RUnlock()
	if override != nil && repoMatches(override.Owner, override.Repo, owner, repo) {
		r.refresh(ctx, override)
		return override, nil
	}

	if r.env.complete() {
		envOwner, envRepo := models.RepoKey(r.env.Owner, r.env.Repo)
		if repoMatches(envOwner, envRepo, owner, repo) {
			sealed, err := r.box.Seal(r.env.Token)
			if err != nil {
				return nil, fmt.Errorf("seal env credential: %w", err)
			}
			cfg := &models.RepoConfig{
				Owner:          envOwner,
				Repo:           envRepo,
				TokenEncrypted: sealed,
				PageSize:       r.env.PageSize,
			}
			if cfg.PageSize <= 0 {
				cfg.PageSize = 50
			}
			r.refresh(ctx, cfg)
			return cfg, nil
		}
	}

	var cfg *models.RepoConfig
	var err error
	if owner == "" && repo == "" {
		cfg, err = r.db.LatestRepoConfig(ctx)
	} else {
		cfg, err = r.db.GetRepoConfig(ctx, owner, repo)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotConfigured
		}
		return nil, &StoreError{Op: "load repo config", Err: err}
	}
	r.refresh(ctx, cfg)
	return cfg, nil
}

// Save encrypts the token and persists a new configuration row, superseding
// any previous one. The saved config becomes the active override.
func (r *Resolver) Save(ctx context.Context, owner, repo, token string, pageSize int) (*models.RepoConfig, error) {
	owner, repo = models.RepoKey(owner, repo)
	if owner == "" || repo == "" || strings.TrimSpace(token) == "" {
		return nil, ErrNotConfigured
	}
	sealed, err := r.box.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	cfg := &models.RepoConfig{
		Owner:          owner,
		Repo:           repo,
		TokenEncrypted: sealed,
		PageSize:       pageSize,
	}
	if err := r.db.SaveRepoConfig(ctx, cfg); err != nil {
		return nil, &StoreError{Op: "save repo config", Err: err}
	}
	r.refresh(ctx, cfg)
	return cfg, nil
}

// Token decrypts the credential for use against the upstream API.
func (r *Resolver) Token(cfg *models.RepoConfig) (string, error) {
	token, err := r.box.Open(cfg.TokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return token, nil
}

// refresh installs cfg as the active override and caches its sanitized view.
// The cached representation never includes the credential.
func (r *Resolver) refresh(ctx context.Context, cfg *models.RepoConfig) {
	r.mu.Lock()
	r.override = cfg
	r.mu.Unlock()

	if r.cache != nil {
		_ = r.cache.Set(ctx, cache.ConfigKey(cfg.Owner, cfg.Repo), cfg.Sanitized(), r.cacheTTL)
	}
}

func repoMatches(haveOwner, haveRepo, wantOwner, wantRepo string) bool {
	if wantOwner == "" && wantRepo == "" {
		return true
	}
	return strings.EqualFold(haveOwner, wantOwner) && strings.EqualFold(haveRepo, wantRepo)
}
