package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/issuemirror/issuemirror/internal/api"
	"github.com/issuemirror/issuemirror/internal/cache"
	"github.com/issuemirror/issuemirror/internal/coalesce"
	"github.com/issuemirror/issuemirror/internal/config"
	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/poller"
	"github.com/issuemirror/issuemirror/internal/secret"
	"github.com/issuemirror/issuemirror/internal/service"
	"github.com/issuemirror/issuemirror/internal/upstream"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: issuemirror <command>\n\nCommands:\n  serve    Start the mirror server\n  migrate  Run database migrations\n  sync     Run one synchronization and exit\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "sync":
		cmdSync(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	app, err := buildApp(cfg, db)
	if err != nil {
		slog.Error("wire services", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Sync.PollEnabled {
		if err := app.poller.Start(context.Background()); err != nil {
			slog.Error("start poller", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("issuemirror listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.Sync.PollEnabled {
		app.poller.Stop(ctx)
	}
	httpServer.Shutdown(ctx)
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func cmdSync(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	owner := fs.String("owner", "", "repository owner (defaults to configured)")
	repo := fs.String("repo", "", "repository name (defaults to configured)")
	force := fs.Bool("force", false, "run a full sync and bypass the cooldown")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	app, err := buildApp(cfg, db)
	if err != nil {
		slog.Error("wire services", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	target, err := app.resolver.Resolve(ctx, *owner, *repo)
	if err != nil {
		slog.Error("resolve repository", "error", err)
		os.Exit(1)
	}

	result, err := app.syncer.Sync(ctx, target.Owner, target.Repo, service.SyncOptions{Force: *force})
	if err != nil {
		slog.Error("sync failed", "owner", target.Owner, "repo", target.Repo, "error", err)
		os.Exit(1)
	}
	slog.Info("sync complete",
		"owner", result.Owner, "repo", result.Repo,
		"type", result.SyncType, "issues", result.IssuesSynced, "labels", result.LabelsSynced)
}

type app struct {
	server   *api.Server
	poller   *poller.Poller
	syncer   *service.Syncer
	resolver *service.Resolver
}

func buildApp(cfg *config.Config, db database.DB) (*app, error) {
	logger := slog.Default()

	box, err := secret.NewBox(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init credential box: %w", err)
	}
	store, err := cache.New(db, logger)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	resolver := service.NewResolver(db, box, store, service.EnvConfig{
		Owner:    cfg.GitHub.Owner,
		Repo:     cfg.GitHub.Repo,
		Token:    cfg.GitHub.Token,
		PageSize: cfg.GitHub.PageSize,
	}, cfg.Cache.ConfigTTLDuration())

	ledger := service.NewLedger(db, cfg.Sync.HistoryLimit, cfg.Sync.FreshnessDuration())
	syncer := service.NewSyncer(db, store, resolver, ledger, upstream.NewClient, cfg.Sync.CooldownDuration(), logger)
	flights := coalesce.New(cfg.Cache.StaleFlightDuration())
	issueSvc := service.NewIssueService(db, store, flights, ledger, syncer, resolver, upstream.NewClient,
		cfg.Cache.IssuePageTTLDuration(), cfg.Cache.LabelTTLDuration())
	webhookSvc := service.NewWebhookService(db, store, ledger, resolver,
		cfg.GitHub.WebhookSecret, cfg.Cache.VerificationTTLDuration(), logger)

	bg := poller.New(syncer, ledger, resolver, store, poller.Options{
		Interval: cfg.Sync.PollIntervalDuration(),
		Logger:   logger,
	})

	server := api.NewServer(db, issueSvc, webhookSvc, syncer, ledger, resolver, logger)
	return &app{server: server, poller: bg, syncer: syncer, resolver: resolver}, nil
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
