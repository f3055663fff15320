package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/calliope-chat/calliope/internal/relay"
)

// chanSink forwards relay events into a channel drained by the websocket
// writer goroutine, keeping socket writes single-threaded.
type chanSink struct {
	ctx      context.Context
	outbound chan<- relay.Event
}

func (s *chanSink) Send(ev relay.Event) error {
	// Prefer delivery while there is buffer space so the terminal event after
	// a "stop" still reaches a client that kept the socket open.
	select {
	case s.outbound <- ev:
		return nil
	default:
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.outbound <- ev:
		return nil
	}
}

type wsClientMessage struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Action    string `json:"action,omitempty"`
}

// handleStreamWS carries the same typed event stream over a websocket, for
// clients that cannot consume SSE. The first client message is the prompt; a
// later message with action "stop", or closing the socket, cancels the
// stream.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var req wsClientMessage
	if err := json.Unmarshal(raw, &req); err != nil ||
		strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Content) == "" {
		_ = conn.WriteJSON(errorResponse{Error: "sessionId and content are required", Code: "invalid_request"})
		return
	}

	sess, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil || sess.UserID != userID {
		_ = conn.WriteJSON(errorResponse{Error: "chat session not found", Code: "session_not_found"})
		return
	}

	if !s.tryAcquireStream(sess.ID) {
		_ = conn.WriteJSON(errorResponse{Error: "a reply is already streaming for this session", Code: "stream_in_flight"})
		return
	}
	defer s.releaseStream(sess.ID)

	mgr := s.historyFor(r, userID)
	mgr.Pin(sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan relay.Event, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				cancel()
				return
			}
		}
	}()

	// Read loop exists to observe "stop" controls and disconnects; both
	// cancel the stream context.
	go func() {
		_ = conn.SetReadDeadline(time.Time{})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Action == "stop" {
				cancel()
				return
			}
		}
	}()

	_ = s.relay.Run(ctx, sess, req.Content, &chanSink{ctx: ctx, outbound: outbound})
	close(outbound)
	<-writerDone

	s.refreshHistorySession(r, mgr, sess.ID)
	mgr.MaybeCleanup()
}
