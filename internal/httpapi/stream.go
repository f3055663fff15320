package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/calliope-chat/calliope/internal/relay"
)

type streamRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// sseSink frames relay events as server-sent events, flushing after each so
// fragments reach the browser as they are emitted.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev relay.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// handleStream relays one prompt over a long-lived SSE response. Validation
// failures use HTTP status codes; once the stream begins, all signaling is
// in-band via event types. Client cancellation is a transport-level abort,
// observed through the request context.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "missing_fields", "sessionId and content are required")
		return
	}

	sess, ok := s.ownedSession(w, r, req.SessionID, userID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	if !s.tryAcquireStream(sess.ID) {
		respondError(w, http.StatusConflict, "stream_in_flight", "a reply is already streaming for this session")
		return
	}
	defer s.releaseStream(sess.ID)

	// The streaming session is the user's open session; retention passes must
	// not prune it mid-stream.
	mgr := s.historyFor(r, userID)
	mgr.Pin(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = s.relay.Run(r.Context(), sess, req.Content, &sseSink{w: w, flusher: flusher})

	s.refreshHistorySession(r, mgr, sess.ID)
	mgr.MaybeCleanup()
}
