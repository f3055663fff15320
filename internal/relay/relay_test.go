package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/provider"
	"github.com/calliope-chat/calliope/internal/stream"
)

type fixedResponder struct {
	reply string
	err   error
}

func (r fixedResponder) Complete(context.Context, []chat.Message) (string, error) {
	return r.reply, r.err
}

// collectSink records events and can cancel the run context after a number
// of chunk events, standing in for a user pressing stop mid-stream.
type collectSink struct {
	mu          sync.Mutex
	events      []Event
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *collectSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.cancel != nil && ev.EventType() == TypeChunk {
		s.cancelAfter--
		if s.cancelAfter == 0 {
			s.cancel()
		}
	}
	return nil
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestRelay(t *testing.T, responder provider.Responder, flushEvery int) (*Relay, *chat.InMemoryStore, *chat.Session) {
	t.Helper()
	store := chat.NewInMemoryStore()
	sess, err := store.CreateSession(context.Background(), "u1", "test chat")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	rly := New(store, responder, stream.NewChunker(time.Nanosecond), flushEvery, nil)
	return rly, store, sess
}

func TestRunCompletedStream(t *testing.T) {
	reply := "Hi! Bye."
	rly, store, sess := newTestRelay(t, fixedResponder{reply: reply}, 20)
	sink := &collectSink{}

	if err := rly.Run(context.Background(), sess, "hello", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := sink.all()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}

	um, ok := events[0].(UserMessageEvent)
	if !ok {
		t.Fatalf("first event = %T, want UserMessageEvent", events[0])
	}
	if um.Message.Content != "hello" || um.Message.Role != chat.RoleUser {
		t.Fatalf("unexpected user message: %+v", um.Message)
	}

	st, ok := events[1].(StartEvent)
	if !ok {
		t.Fatalf("second event = %T, want StartEvent", events[1])
	}

	var chunks []string
	for _, ev := range events[2 : len(events)-1] {
		c, ok := ev.(ChunkEvent)
		if !ok {
			t.Fatalf("mid-stream event = %T, want ChunkEvent", ev)
		}
		if c.MessageID != st.MessageID {
			t.Fatalf("chunk messageId = %q, want %q", c.MessageID, st.MessageID)
		}
		chunks = append(chunks, c.Content)
	}
	if got := strings.Join(chunks, ""); got != reply {
		t.Fatalf("concatenated chunks = %q, want %q", got, reply)
	}
	if len(chunks) != len([]rune(reply)) {
		t.Fatalf("chunk count = %d, want %d", len(chunks), len([]rune(reply)))
	}

	done, ok := events[len(events)-1].(DoneEvent)
	if !ok {
		t.Fatalf("last event = %T, want DoneEvent", events[len(events)-1])
	}
	if done.MessageID != st.MessageID {
		t.Fatalf("done messageId = %q, want %q", done.MessageID, st.MessageID)
	}

	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(got.Messages))
	}
	if got.Messages[1].Content != reply {
		t.Fatalf("persisted reply = %q, want %q", got.Messages[1].Content, reply)
	}
	if !got.UpdatedAt.After(sess.UpdatedAt) {
		t.Fatal("session UpdatedAt was not bumped after completion")
	}
}

func TestRunInterruptedMidStream(t *testing.T) {
	reply := "0123456789"
	rly, store, sess := newTestRelay(t, fixedResponder{reply: reply}, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{cancelAfter: 3, cancel: cancel}

	if err := rly.Run(ctx, sess, "count", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := sink.all()
	var chunks int
	var sawDone, sawInterrupted bool
	for _, ev := range events {
		switch ev.EventType() {
		case TypeChunk:
			chunks++
		case TypeDone:
			sawDone = true
		case TypeInterrupted:
			sawInterrupted = true
		}
	}
	if chunks != 3 {
		t.Fatalf("chunk events = %d, want 3", chunks)
	}
	if sawDone {
		t.Fatal("done event emitted for an interrupted stream")
	}
	if !sawInterrupted {
		t.Fatal("interrupted event missing")
	}

	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	content := got.Messages[1].Content
	if !strings.HasSuffix(content, InterruptedMarker) {
		t.Fatalf("persisted content %q lacks interrupted marker", content)
	}
	prefix := strings.TrimSuffix(content, InterruptedMarker)
	if prefix != "012" {
		t.Fatalf("persisted prefix = %q, want %q", prefix, "012")
	}
}

func TestRunShortReplySingleFlush(t *testing.T) {
	// Eight runes with a flush threshold of twenty: only the exact final
	// flush should write content.
	store := &countingStore{InMemoryStore: chat.NewInMemoryStore()}
	sess, err := store.CreateSession(context.Background(), "u1", "short")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	rly := New(store, fixedResponder{reply: "Hi! Bye."}, stream.NewChunker(time.Nanosecond), 20, nil)

	if err := rly.Run(context.Background(), sess, "hi", &collectSink{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := store.updates.Load(); got != 1 {
		t.Fatalf("content flushes = %d, want exactly 1", got)
	}
}

func TestRunProviderErrorMapsToWireEvent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want EventType
	}{
		{"quota", provider.NewError(provider.KindQuotaExceeded, 429, "quota"), TypeQuotaExceeded},
		{"key", provider.NewError(provider.KindKeyInvalid, 401, "key"), TypeAPIKeyError},
		{"unavailable", provider.NewError(provider.KindServiceUnavailable, 503, "down"), TypeServiceUnavailable},
		{"network", provider.NewError(provider.KindNetwork, 0, "dial"), TypeNetworkError},
		{"api", provider.NewError(provider.KindAPI, 400, "bad"), TypeAPIError},
		{"unknown", errors.New("boom"), TypeUnknownError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rly, store, sess := newTestRelay(t, fixedResponder{err: tc.err}, 20)
			sink := &collectSink{}

			if err := rly.Run(context.Background(), sess, "hello", sink); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			events := sink.all()
			last := events[len(events)-1]
			ee, ok := last.(ErrorEvent)
			if !ok {
				t.Fatalf("last event = %T, want ErrorEvent", last)
			}
			if ee.Type != tc.want {
				t.Fatalf("error type = %q, want %q", ee.Type, tc.want)
			}
			if ee.Error == "" {
				t.Fatal("error event carries no message")
			}
			if ee.MessageID != "" {
				t.Fatalf("pre-reply failure messageId = %q, want empty", ee.MessageID)
			}

			// The user turn persists even when the reply fails.
			got, err := store.GetSession(context.Background(), sess.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if len(got.Messages) != 1 || got.Messages[0].Role != chat.RoleUser {
				t.Fatalf("persisted messages = %+v, want the user turn only", got.Messages)
			}
		})
	}
}

func TestRunCancelledBeforeReplyIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	responder := funcResponder(func(ctx context.Context, _ []chat.Message) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	rly, _, sess := newTestRelay(t, responder, 20)
	sink := &collectSink{}

	if err := rly.Run(ctx, sess, "hello", sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, ev := range sink.all() {
		if IsErrorType(ev.EventType()) {
			t.Fatalf("error event %q emitted for a client abort", ev.EventType())
		}
	}
}

type funcResponder func(ctx context.Context, history []chat.Message) (string, error)

func (f funcResponder) Complete(ctx context.Context, history []chat.Message) (string, error) {
	return f(ctx, history)
}

type countingStore struct {
	*chat.InMemoryStore
	updates atomicInt
}

func (s *countingStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	s.updates.Add(1)
	return s.InMemoryStore.UpdateMessageContent(ctx, messageID, content)
}

type atomicInt struct {
	mu sync.Mutex
	n  int
}

func (a *atomicInt) Add(d int) { a.mu.Lock(); a.n += d; a.mu.Unlock() }
func (a *atomicInt) Load() int { a.mu.Lock(); defer a.mu.Unlock(); return a.n }
