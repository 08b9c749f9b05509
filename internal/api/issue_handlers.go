package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/issuemirror/issuemirror/internal/models"
	"github.com/issuemirror/issuemirror/internal/service"
)

type createIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

type updateIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}
	page := parsePage(r)
	labelFilter := strings.TrimSpace(r.URL.Query().Get("label"))

	result, err := s.issueSvc.GetIssues(r.Context(), owner, repo, page, labelFilter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}
	number, ok := parsePathPositiveInt(w, r, "number", "issue number")
	if !ok {
		return
	}

	issue, err := s.issueSvc.GetIssue(r.Context(), owner, repo, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "issue not found", http.StatusNotFound)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, issue)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}

	var req createIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		jsonError(w, "title is required", http.StatusBadRequest)
		return
	}

	issue, err := s.issueSvc.CreateIssue(r.Context(), owner, repo, req.Title, req.Body, req.Labels)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, issue)
}

func (s *Server) handleUpdateIssue(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}
	number, ok := parsePathPositiveInt(w, r, "number", "issue number")
	if !ok {
		return
	}

	var req updateIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.State != "" && req.State != "open" && req.State != "closed" {
		jsonError(w, "state must be open or closed", http.StatusBadRequest)
		return
	}

	issue, err := s.issueSvc.UpdateIssue(r.Context(), owner, repo, number, req.Title, req.Body, req.State, req.Labels)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, issue)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}

	labels, err := s.issueSvc.ListLabels(r.Context(), owner, repo)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, labels)
}

type createLabelRequest struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathRepoKey(w, r)
	if !ok {
		return
	}

	var req createLabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	label, err := s.issueSvc.CreateLabel(r.Context(), owner, repo, &models.Label{
		Name:        req.Name,
		Color:       req.Color,
		Description: req.Description,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, label)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var upstreamErr *service.UpstreamError
	switch {
	case errors.Is(err, service.ErrNotConfigured), errors.Is(err, service.ErrRepositoryNotConfigured):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &upstreamErr):
		jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("request failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
