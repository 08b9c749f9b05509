package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/service"
)

const defaultInterval = 30 * time.Second

type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Poller keeps the mirror warm in the background. On each tick it checks
// whether the configured repository's data has gone stale and, if so, runs
// an ordinary (non-forced) synchronization. Expired durable cache rows are
// purged on the same cadence.
type Poller struct {
	syncer   *service.Syncer
	ledger   *service.Ledger
	resolver *service.Resolver
	cache    *cache.Cache
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(syncer *service.Syncer, ledger *service.Ledger, resolver *service.Resolver, c *cache.Cache, opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		syncer:   syncer,
		ledger:   ledger,
		resolver: resolver,
		cache:    c,
		interval: interval,
		logger:   logger,
	}
}

func (p *Poller) Start(parent context.Context) error {
	if p == nil || p.syncer == nil || p.resolver == nil {
		return fmt.Errorf("poller is not configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.started = true

	go p.run(ctx, done)
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.started = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	return nil
}

func (p *Poller) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if !sleepOrDone(ctx, p.interval) {
			return
		}
		p.tick(ctx)
	}
}

func (p *Poller) tick(ctx context.Context) {
	p.cache.PurgeExpired(ctx)

	cfg, err := p.resolver.Resolve(ctx, "", "")
	if err != nil {
		if !errors.Is(err, service.ErrNotConfigured) {
			p.logger.Warn("poller config resolution failed", "error", err)
		}
		return
	}

	stale, err := p.ledger.NeedsSync(ctx, cfg.Owner, cfg.Repo)
	if err != nil {
		p.logger.Warn("poller staleness check failed", "owner", cfg.Owner, "repo", cfg.Repo, "error", err)
		return
	}
	if !stale {
		return
	}

	res, err := p.syncer.Sync(ctx, cfg.Owner, cfg.Repo, service.SyncOptions{})
	if err != nil {
		var cooldown *service.CooldownError
		if errors.As(err, &cooldown) {
			return
		}
		p.logger.Warn("background sync failed", "owner", cfg.Owner, "repo", cfg.Repo, "error", err)
		return
	}
	p.logger.Info("background sync completed",
		"owner", cfg.Owner, "repo", cfg.Repo, "type", res.SyncType, "issues", res.IssuesSynced)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
