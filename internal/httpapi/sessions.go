package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calliope-chat/calliope/internal/chat"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.store.CreateSession(r.Context(), userID, req.Title)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	s.historyFor(r, userID).Add(sess)
	respondJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "sessionID"), userID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sess, ok := s.ownedSession(w, r, chi.URLParam(r, "sessionID"), userID)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	mgr, _ := s.history.For(userID)
	mgr.Delete(sess.ID)
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
