package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"despotify/internal/session"
)

// sessionFromRequest resolves the {id} route variable. It writes the error
// response and returns false when the session does not exist.
func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (string, *session.Session, bool) {
	id := mux.Vars(r)["id"]
	if verr := validateSessionID(id); verr != nil {
		s.respondWithValidationError(w, r, *verr)
		return "", nil, false
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		s.respondWithError(w, r, http.StatusNotFound, "Session not found", nil)
		return "", nil, false
	}
	return id, sess, true
}

// clientAddress prefers the forwarded address set by a proxy or tunnel
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}

// handleCreateSession creates a new engine session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, sess, err := s.registry.Create(r.Context(), r.UserAgent(), clientAddress(r))
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Could not create session", err)
		return
	}
	s.trackState(id, sess)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	s.respondJSON(w, map[string]any{
		"sessionId": id,
		"state":     sess.State().String(),
	})
}

// handleGetSessions returns all registered sessions
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, map[string]any{
		"sessions": s.registry.List(),
		"count":    s.registry.Count(),
	})
}

// handleDeleteSession logs a session out
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if verr := validateSessionID(id); verr != nil {
		s.respondWithValidationError(w, r, *verr)
		return
	}
	if err := s.registry.Remove(r.Context(), id); err != nil {
		s.respondWithError(w, r, http.StatusNotFound, "Session not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogin authenticates a session
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req.Username = sanitizeInput(req.Username)
	if errs := validateCredentials(req.Username, req.Password); len(errs) > 0 {
		s.respondWithValidationError(w, r, errs...)
		return
	}

	if err := sess.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		s.respondWithSessionError(w, r, "Login", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, map[string]any{
		"success": true,
		"state":   sess.State().String(),
	})
}

// handlePlay starts playback of a track or album link
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req struct {
		URI        string `json:"uri"`
		PlayAsList bool   `json:"playAsList"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req.URI = sanitizeInput(req.URI)
	if verr := validateURI(req.URI); verr != nil {
		s.respondWithValidationError(w, r, *verr)
		return
	}

	if err := sess.Play(r.Context(), req.URI, req.PlayAsList); err != nil {
		s.respondWithSessionError(w, r, "Play", err)
		return
	}

	resp := map[string]any{
		"success": true,
		"state":   sess.State().String(),
	}
	if t := sess.CurrentTrack(); t != nil {
		resp["track"] = t.Metadata()
	}
	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, resp)
}

// handleNext advances to the next queued track
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "Next", (*session.Session).Next)
}

// handleStop stops playback
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, "Stop", (*session.Session).Stop)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, op string, fn func(*session.Session, context.Context) error) {
	_, sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	if err := fn(sess, r.Context()); err != nil {
		s.respondWithSessionError(w, r, op, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, map[string]any{
		"success": true,
		"state":   sess.State().String(),
	})
}
