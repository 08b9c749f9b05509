// Package cache implements the two-tier TTL cache in front of the durable
// store: a process-memory map backed by a durable tier persisted through the
// database. Values are strictly derived state; any tier may be cleared at any
// time without correctness loss.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/models"

	"github.com/klauspost/compress/zstd"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the tier manager. Reads check memory first, then the durable
// tier; a durable hit is promoted back into memory with its remaining TTL.
type Cache struct {
	db     database.DB
	logger *slog.Logger

	mu  sync.RWMutex
	mem map[string]memEntry

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New(db database.DB, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Cache{
		db:     db,
		logger: logger,
		mem:    make(map[string]memEntry),
		enc:    enc,
		dec:    dec,
	}, nil
}

// Get returns the raw JSON bytes stored under key, or a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(entry.expiresAt) {
			cacheRequests("memory", "hit")
			return entry.value, true
		}
		c.mu.Lock()
		delete(c.mem, key)
		c.mu.Unlock()
	}
	cacheRequests("memory", "miss")

	if c.db == nil {
		return nil, false
	}
	stored, err := c.db.GetCacheEntry(ctx, key)
	if err != nil {
		cacheRequests("durable", "miss")
		return nil, false
	}
	if !now.Before(stored.ExpiresAt) {
		cacheRequests("durable", "miss")
		if err := c.db.DeleteCacheEntry(ctx, key); err != nil {
			c.logger.Debug("cache delete expired entry", "key", key, "error", err)
		}
		return nil, false
	}
	value, err := c.dec.DecodeAll(stored.Value, nil)
	if err != nil {
		cacheRequests("durable", "miss")
		return nil, false
	}
	cacheRequests("durable", "hit")

	// Promote with the remaining TTL.
	c.mu.Lock()
	c.mem[key] = memEntry{value: value, expiresAt: stored.ExpiresAt}
	c.mu.Unlock()
	return value, true
}

// GetJSON unmarshals a cached value into v, reporting whether it was found.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

// Set stores v (JSON-encoded) in both tiers with the given TTL. A durable
// tier write failure degrades to memory-only and is not fatal.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	c.mem[key] = memEntry{value: raw, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	entry := &models.CacheEntry{
		Key:       key,
		Value:     c.enc.EncodeAll(raw, nil),
		ExpiresAt: expiresAt,
	}
	if err := c.db.SetCacheEntry(ctx, entry); err != nil {
		c.logger.Debug("cache durable write failed", "key", key, "error", err)
	}
	return nil
}

// Invalidate removes one key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	if err := c.db.DeleteCacheEntry(ctx, key); err != nil {
		c.logger.Debug("cache durable delete failed", "key", key, "error", err)
	}
}

// InvalidatePrefix removes every key sharing prefix from both tiers. The
// memory scan is linear over tracked keys, which is fine at this scale.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	for key := range c.mem {
		if strings.HasPrefix(key, prefix) {
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	if err := c.db.DeleteCacheEntriesByPrefix(ctx, prefix); err != nil {
		c.logger.Debug("cache durable prefix delete failed", "prefix", prefix, "error", err)
	}
}

// InvalidateRepo clears every issue/label namespace for a repo.
func (c *Cache) InvalidateRepo(ctx context.Context, owner, repo string) {
	for _, prefix := range RepoPrefixes(owner, repo) {
		c.InvalidatePrefix(ctx, prefix)
	}
}

// PurgeExpired drops expired rows from the durable tier. Called periodically
// by the background poller.
func (c *Cache) PurgeExpired(ctx context.Context) {
	if c.db == nil {
		return
	}
	if err := c.db.PurgeExpiredCacheEntries(ctx, time.Now()); err != nil {
		c.logger.Debug("cache purge expired failed", "error", err)
	}
}
