package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/issuemirror/issuemirror/internal/service"
)

const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "unable to read request body", http.StatusBadRequest)
		return
	}

	result, err := s.webhookSvc.Ingest(r.Context(), body,
		r.Header.Get(headerSignature),
		r.Header.Get(headerEvent),
		r.Header.Get(headerDelivery))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadSignature):
			jsonError(w, "invalid webhook signature", http.StatusUnauthorized)
		case errors.Is(err, service.ErrUnsupportedEvent):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidPayload):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrRepositoryNotConfigured):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			s.logger.Error("webhook ingestion failed", "error", err)
			jsonError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	jsonResponse(w, http.StatusOK, result)
}
