// Package client consumes the relay's event stream and maintains a view of
// the current conversation, applying the same throttled-update policy a
// browser front end would.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/relay"
)

// RenderBudget is an injected capability signal standing in for the device's
// rendering headroom. Constrained renderers get a wider debounce so streaming
// does not starve them.
type RenderBudget int

const (
	BudgetFull RenderBudget = iota
	BudgetConstrained
	BudgetMinimal
)

// Debounce is the trailing-edge delay before a scheduled view update runs.
func (b RenderBudget) Debounce() time.Duration {
	switch b {
	case BudgetConstrained:
		return 200 * time.Millisecond
	case BudgetMinimal:
		return 280 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// Consumer reads framed stream events and reconstructs the conversation
// view. One Consumer drives one session view; Send streams one exchange at a
// time.
type Consumer struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	budget     RenderBudget

	mu       sync.Mutex
	messages []chat.Message
	byID     map[string]int
	pending  map[string]string
	timer    *time.Timer
	loading  bool
	cancel   context.CancelFunc
	onUpdate func()
}

func New(baseURL, authToken string, budget RenderBudget) *Consumer {
	return &Consumer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{},
		budget:     budget,
		byID:       make(map[string]int),
		pending:    make(map[string]string),
	}
}

// OnUpdate registers a hook invoked (with the lock held released) after each
// applied view update. The presentation layer hangs rendering off it.
func (c *Consumer) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Messages returns a copy of the current view, safe to hand to a
// virtualizing presenter.
func (c *Consumer) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Loading reports whether a stream is in flight.
func (c *Consumer) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Abort stops the in-flight stream: it cancels the underlying request and
// flips loading off immediately rather than waiting for a terminal event.
// The relay's own interrupted event, if it still arrives, is idempotent
// confirmation.
func (c *Consumer) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.loading = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send posts a prompt and consumes the event stream until a terminal event
// or disconnect. Events are applied in arrival order; only view updates are
// debounced, never the events themselves.
func (c *Consumer) Send(ctx context.Context, sessionID, prompt string) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.loading = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.loading = false
		c.cancel = nil
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"content":   prompt,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// User abort, not a failure.
			return nil
		}
		return fmt.Errorf("send prompt: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("stream request failed: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}
		ev, err := relay.ParseEvent([]byte(raw))
		if err != nil {
			// An unknown event type is a protocol break, not noise.
			return err
		}
		c.apply(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// apply dispatches one event. The match is exhaustive over the event sum
// type; ParseEvent already rejected unknown discriminators.
func (c *Consumer) apply(ev relay.Event) {
	switch e := ev.(type) {
	case relay.UserMessageEvent:
		// User-authored content appears instantly, never debounced.
		c.appendMessage(e.Message)

	case relay.StartEvent:
		c.appendMessage(chat.Message{
			ID:        e.MessageID,
			Role:      chat.RoleAssistant,
			CreatedAt: time.Now().UTC(),
		})

	case relay.ChunkEvent:
		c.mu.Lock()
		c.pending[e.MessageID] += e.Content
		c.scheduleFlushLocked(e.MessageID)
		c.mu.Unlock()

	case relay.DoneEvent:
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.flushPendingLocked(e.MessageID)
		notify := c.onUpdate
		c.mu.Unlock()
		if notify != nil {
			notify()
		}

	case relay.InterruptedEvent:
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.flushPendingLocked(e.MessageID)
		if i, ok := c.byID[e.MessageID]; ok {
			c.messages[i].Content += relay.InterruptedMarker
		}
		notify := c.onUpdate
		c.mu.Unlock()
		if notify != nil {
			notify()
		}

	case relay.ErrorEvent:
		// A separate entry: the in-flight message may be empty or partial,
		// and the failure must stay visible in history.
		c.appendMessage(chat.Message{
			ID:        uuid.NewString(),
			Content:   e.Error,
			Role:      chat.RoleAssistant,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (c *Consumer) appendMessage(msg chat.Message) {
	c.mu.Lock()
	c.byID[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	notify := c.onUpdate
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// scheduleFlushLocked arms a trailing-edge debounce for the pending buffer.
// Each new fragment pushes the update out; the view catches up either when
// fragments pause or at the terminal event.
func (c *Consumer) scheduleFlushLocked(messageID string) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.budget.Debounce(), func() {
		c.mu.Lock()
		c.flushPendingLocked(messageID)
		notify := c.onUpdate
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
	})
}

func (c *Consumer) flushPendingLocked(messageID string) {
	content, ok := c.pending[messageID]
	if !ok {
		return
	}
	if i, ok := c.byID[messageID]; ok {
		c.messages[i].Content = content
	}
}
