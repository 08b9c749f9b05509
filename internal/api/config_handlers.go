package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/issuemirror/issuemirror/internal/service"
)

type putConfigRequest struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Token    string `json:"token"`
	PageSize int    `json:"page_size"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.resolver.Resolve(r.Context(), "", "")
	if err != nil {
		if errors.Is(err, service.ErrNotConfigured) {
			jsonError(w, "no repository configured", http.StatusNotFound)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, cfg.Sanitized())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	if req.Owner == "" || req.Repo == "" {
		jsonError(w, "owner and repo are required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		jsonError(w, "token is required", http.StatusBadRequest)
		return
	}

	cfg, err := s.resolver.Save(r.Context(), req.Owner, req.Repo, req.Token, req.PageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, cfg.Sanitized())
}
