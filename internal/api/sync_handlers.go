package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/service"
)

type syncStatusResponse struct {
	Owner      string             `json:"owner"`
	Repo       string             `json:"repo"`
	Stale      bool               `json:"stale"`
	LastRecord *models.SyncRecord `json:"last_record,omitempty"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	result, err := s.syncer.Sync(r.Context(), owner, repo, service.SyncOptions{Force: force})
	if err != nil {
		var cooldown *service.CooldownError
		if errors.As(err, &cooldown) {
			w.Header().Set("Retry-After", formatRetryAfter(cooldown.Remaining))
			jsonError(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}

	last, err := s.ledger.Latest(r.Context(), owner, repo)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	stale, err := s.ledger.NeedsSync(r.Context(), owner, repo)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	own, rep := models.RepoKey(owner, repo)
	jsonResponse(w, http.StatusOK, syncStatusResponse{
		Owner:      own,
		Repo:       rep,
		Stale:      stale,
		LastRecord: last,
	})
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r, service.DefaultHistoryLimit, service.DefaultHistoryLimit)

	records, err := s.ledger.History(r.Context(), owner, repo, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []models.SyncRecord{}
	}
	jsonResponse(w, http.StatusOK, records)
}

func formatRetryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
