package chat

import (
	"context"
	"errors"
	"time"
)

// Role distinguishes who authored a conversational turn.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Message is a single conversational turn. An assistant message is created
// empty and mutated in place while its reply streams, then frozen.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session groups messages in conversational order. UpdatedAt is bumped on
// every completed exchange and is the primary recency key for retention.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists sessions and their messages.
type Store interface {
	CreateSession(ctx context.Context, userID, title string) (*Session, error)
	// GetSession returns the session with its messages in conversational order.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CreateMessage(ctx context.Context, sessionID string, role Role, content string) (*Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) error
	// TouchSession bumps UpdatedAt after a completed exchange.
	TouchSession(ctx context.Context, sessionID string) error
	Close() error
}
