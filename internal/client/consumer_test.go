package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/provider"
	"github.com/calliope-chat/calliope/internal/relay"
)

// scriptServer replays a fixed sequence of stream events as SSE frames.
func scriptServer(t *testing.T, events ...relay.Event) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" {
			http.NotFound(w, r)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support streaming")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				t.Errorf("marshal event: %v", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}))
}

func TestSendReconstructsConversation(t *testing.T) {
	userMsg := chat.Message{ID: "u-1", Content: "hello", Role: chat.RoleUser}
	srv := scriptServer(t,
		relay.NewUserMessageEvent(userMsg),
		relay.NewStartEvent("a-1"),
		relay.NewChunkEvent("a-1", "Hi"),
		relay.NewChunkEvent("a-1", " the"),
		relay.NewChunkEvent("a-1", "re!"),
		relay.NewDoneEvent("a-1"),
	)
	defer srv.Close()

	c := New(srv.URL, "", BudgetFull)
	if err := c.Send(context.Background(), "s-1", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("view has %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "u-1" || msgs[0].Content != "hello" {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].ID != "a-1" || msgs[1].Content != "Hi there!" {
		t.Fatalf("assistant message = %+v, want full reply applied at done", msgs[1])
	}
	if c.Loading() {
		t.Fatal("loading should be off after the stream ends")
	}
}

func TestInterruptedAppendsMarker(t *testing.T) {
	srv := scriptServer(t,
		relay.NewStartEvent("a-1"),
		relay.NewChunkEvent("a-1", "partial"),
		relay.NewInterruptedEvent("a-1"),
	)
	defer srv.Close()

	c := New(srv.URL, "", BudgetFull)
	if err := c.Send(context.Background(), "s-1", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("view has %d messages, want 1", len(msgs))
	}
	want := "partial" + relay.InterruptedMarker
	if msgs[0].Content != want {
		t.Fatalf("content = %q, want %q", msgs[0].Content, want)
	}
}

func TestErrorEventBecomesVisibleMessage(t *testing.T) {
	srv := scriptServer(t,
		relay.NewUserMessageEvent(chat.Message{ID: "u-1", Content: "hello", Role: chat.RoleUser}),
		relay.NewErrorEvent(provider.KindQuotaExceeded, ""),
	)
	defer srv.Close()

	c := New(srv.URL, "", BudgetFull)
	if err := c.Send(context.Background(), "s-1", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("view has %d messages, want user turn plus error entry", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant || !strings.Contains(last.Content, "quota") {
		t.Fatalf("error entry = %+v, want a quota message", last)
	}
}

func TestDebounceDelaysThenAppliesChunks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		write := func(ev relay.Event) {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		write(relay.NewStartEvent("a-1"))
		write(relay.NewChunkEvent("a-1", "hel"))
		write(relay.NewChunkEvent("a-1", "lo"))
		// Keep the stream open so the trailing-edge timer, not the terminal
		// flush, applies the content.
		<-release
		write(relay.NewDoneEvent("a-1"))
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, "", BudgetFull)
	updates := make(chan struct{}, 16)
	c.OnUpdate(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "s-1", "hello") }()

	// The start event appends the empty assistant message immediately.
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no view update for the start event")
	}

	// Chunk content stays in the pending buffer until the debounce fires.
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := c.Messages()
		if len(msgs) == 1 && msgs[0].Content == "hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced content never applied; view = %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestAbortStopsLoadingImmediately(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		data, _ := json.Marshal(relay.NewStartEvent("a-1"))
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, "", BudgetFull)
	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "s-1", "hello") }()

	<-started
	if !c.Loading() {
		t.Fatal("loading should be on while streaming")
	}
	c.Abort()
	if c.Loading() {
		t.Fatal("loading should be off right after Abort")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send() after abort error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() did not return after Abort")
	}
}

func TestSendSurfacesPreStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"chat session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", BudgetFull)
	err := c.Send(context.Background(), "missing", "hello")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Send() error = %v, want a status 404 failure", err)
	}
	if c.Loading() {
		t.Fatal("loading should be off after a failed request")
	}
}

func TestRenderBudgetDebounce(t *testing.T) {
	if BudgetFull.Debounce() != 100*time.Millisecond {
		t.Fatalf("full debounce = %v, want 100ms", BudgetFull.Debounce())
	}
	if BudgetConstrained.Debounce() != 200*time.Millisecond {
		t.Fatalf("constrained debounce = %v, want 200ms", BudgetConstrained.Debounce())
	}
	if BudgetMinimal.Debounce() != 280*time.Millisecond {
		t.Fatalf("minimal debounce = %v, want 280ms", BudgetMinimal.Debounce())
	}
}
