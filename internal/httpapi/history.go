package httpapi

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/calliope-chat/calliope/internal/history"
)

// historyFor returns the user's retention manager, seeding a fresh one from
// the store. The working set is authoritative after seeding; mutations keep
// it in sync incrementally.
func (s *Server) historyFor(r *http.Request, userID string) *history.Manager {
	mgr, created := s.history.For(userID)
	if !created {
		return mgr
	}
	ctx := context.WithoutCancel(r.Context())
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		log.Printf("httpapi: seeding history for user %s failed: %v", userID, err)
		return mgr
	}
	// List results omit message bodies on the SQL backends; hydrate so sort
	// by message count and length-based cleanup see real data.
	for i, sess := range sessions {
		full, err := s.store.GetSession(ctx, sess.ID)
		if err != nil {
			continue
		}
		sessions[i] = full
	}
	mgr.SetSessions(sessions)
	return mgr
}

// refreshHistorySession re-reads one session from the store into the working
// set after the relay mutated it.
func (s *Server) refreshHistorySession(r *http.Request, mgr *history.Manager, sessionID string) {
	full, err := s.store.GetSession(context.WithoutCancel(r.Context()), sessionID)
	if err != nil {
		return
	}
	mgr.Update(full)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
			return
		}
		page = n
	}
	query := r.URL.Query().Get("q")
	sortKey := r.URL.Query().Get("sort")

	mgr := s.historyFor(r, userID)
	respondJSON(w, http.StatusOK, mgr.List(page, query, sortKey))
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.historyFor(r, userID).Stats())
}

func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	snapshot, err := s.historyFor(r, userID).ExportAll()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="chat-history.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (s *Server) handleHistoryImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	snapshot, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}
	if err := s.historyFor(r, userID).ImportAll(snapshot); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"imported": true})
}

// handleHistoryCleanup runs all three retention passes immediately,
// bypassing the cooldown. The response itemizes what each pass did.
func (s *Server) handleHistoryCleanup(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	mgr := s.historyFor(r, userID)
	old := mgr.CleanupOldSessions()
	long := mgr.CleanupLongSessions()
	count := mgr.LimitSessionCount()
	respondJSON(w, http.StatusOK, map[string]any{
		"removedOld":    old,
		"trimmedLong":   long,
		"removedBeyond": count,
	})
}
