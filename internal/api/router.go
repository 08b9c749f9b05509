package api

import (
	"log/slog"
	"net/http"

	"github.com/issuemirror/issuemirror/internal/database"
	"github.com/issuemirror/issuemirror/internal/service"
)

type Server struct {
	db         database.DB
	issueSvc   *service.IssueService
	webhookSvc *service.WebhookService
	syncer     *service.Syncer
	ledger     *service.Ledger
	resolver   *service.Resolver
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewServer(db database.DB, issueSvc *service.IssueService, webhookSvc *service.WebhookService, syncer *service.Syncer, ledger *service.Ledger, resolver *service.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:         db,
		issueSvc:   issueSvc,
		webhookSvc: webhookSvc,
		syncer:     syncer,
		ledger:     ledger,
		resolver:   resolver,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := requestLoggingMiddleware(s.logger,
		requestMetricsMiddleware(getDefaultHTTPMetrics(),
			requestBodyLimitMiddleware(s.mux)))
	handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Webhooks
	s.mux.HandleFunc("POST /api/v1/webhooks/github", s.handleWebhook)

	// Issues
	s.mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/issues", s.handleListIssues)
	s.mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/issues/{number}", s.handleGetIssue)
	s.mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/issues", s.handleCreateIssue)
	s.mux.HandleFunc("PATCH /api/v1/repos/{owner}/{repo}/issues/{number}", s.handleUpdateIssue)
	s.mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/labels", s.handleListLabels)
	s.mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/labels", s.handleCreateLabel)

	// Synchronization
	s.mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/sync", s.handleTriggerSync)
	s.mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/sync/status", s.handleSyncStatus)
	s.mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/sync/history", s.handleSyncHistory)

	// Configuration
	s.mux.HandleFunc("GET /api/v1/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/v1/config", s.handlePutConfig)

	// Operational
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(nil))
}
