package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

type startSessionRequest struct {
	Filters map[string]string `json:"filters"`
}

type endSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// startSession handles POST /api/session/start. A second open session is 409.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.Filters)
	if err != nil {
		s.fail(w, r, "failed to start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// endSession handles POST /api/session/end. An empty sessionId ends the active
// session; ending twice is 409 and an unknown id is 404.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.End(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, r, "failed to end session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "failed to load session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// listSessions handles GET /api/sessions?limit=&offset=, newest first.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, "failed to list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []crawler.CrawlSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
