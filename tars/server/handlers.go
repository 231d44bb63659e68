package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
)

// StartRequest is the body of POST /v1/conversations. Both fields are optional.
type StartRequest struct {
	Seed     string `json:"seed" validate:"max=32000"`
	MaxTurns int    `json:"max_turns" validate:"gte=0,lte=10000"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ready", "store": "ok"}
	if s.deps.BreakerState != nil {
		body["provider_breaker"] = s.deps.BreakerState()
	}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			body["status"] = "unavailable"
			body["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	if body["provider_breaker"] == "open" {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.fail(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, r, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}

	snap, err := s.deps.Conversations.Start(req.Seed, req.MaxTurns)
	if err != nil {
		if errors.Is(err, conversation.ErrShuttingDown) {
			s.fail(w, r, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to start conversation")
		s.fail(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Location", "/v1/conversations/"+snap.ID)
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.deps.Conversations.List()})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Conversations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Conversations.Cancel(id); err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	snap, err := s.deps.Conversations.Get(id)
	if err != nil {
		s.notFoundOr500(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) notFoundOr500(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("Conversation lookup failed")
	s.fail(w, r, http.StatusInternalServerError, "internal server error")
}
