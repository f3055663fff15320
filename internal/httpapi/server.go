package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/config"
	"github.com/calliope-chat/calliope/internal/history"
	"github.com/calliope-chat/calliope/internal/observability"
	"github.com/calliope-chat/calliope/internal/relay"
)

// Authenticator resolves the requesting user. Identity is an external
// collaborator; the default implementation checks a bearer token.
type Authenticator interface {
	// UserID returns the authenticated user's id, or an error when the
	// request carries no valid identity.
	UserID(r *http.Request) (string, error)
}

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenAuthenticator maps static bearer tokens to user ids.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) UserID(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(h, "Bearer ") {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	userID, ok := a.tokens[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// SingleUserAuthenticator treats every request as one fixed user. Suitable
// for local single-user deployments.
type SingleUserAuthenticator struct {
	ID string
}

func (a SingleUserAuthenticator) UserID(*http.Request) (string, error) {
	return a.ID, nil
}

type Server struct {
	cfg      config.Config
	store    chat.Store
	relay    *relay.Relay
	history  *history.Registry
	auth     Authenticator
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	// inflight tracks sessions with an active reply stream so a session never
	// has two assistant turns streaming at once.
	inflightMu sync.Mutex
	inflight   map[string]bool
}

func New(cfg config.Config, store chat.Store, rly *relay.Relay, hist *history.Registry, auth Authenticator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		relay:    rly,
		history:  hist,
		auth:     auth,
		metrics:  metrics,
		inflight: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up; other websites must not
				// be able to drive a user's chat session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/api/perf/latency", s.handlePerfLatency)

	r.Post("/api/chat/stream", s.handleStream)
	r.Get("/api/chat/ws", s.handleStreamWS)

	r.Get("/api/chat/sessions", s.handleListSessions)
	r.Post("/api/chat/sessions", s.handleCreateSession)
	r.Get("/api/chat/sessions/{sessionID}", s.handleGetSession)
	r.Delete("/api/chat/sessions/{sessionID}", s.handleDeleteSession)

	r.Get("/api/history", s.handleHistoryList)
	r.Get("/api/history/stats", s.handleHistoryStats)
	r.Get("/api/history/export", s.handleHistoryExport)
	r.Post("/api/history/import", s.handleHistoryImport)
	r.Post("/api/history/cleanup", s.handleHistoryCleanup)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

// authenticate resolves the user or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "valid credentials are required")
		return "", false
	}
	return userID, true
}

// ownedSession loads a session and verifies ownership; not-owned reads 404 so
// session ids are not enumerable across users.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, sessionID, userID string) (*chat.Session, bool) {
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess.UserID != userID {
		respondError(w, http.StatusNotFound, "session_not_found", "chat session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) tryAcquireStream(sessionID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[sessionID] {
		return false
	}
	s.inflight[sessionID] = true
	return true
}

func (s *Server) releaseStream(sessionID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, sessionID)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
