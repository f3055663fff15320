package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	owner    map[string]string // message id -> session id
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		owner:    make(map[string]string),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, userID, title string) (*Session, error) {
	if title == "" {
		title = "New Chat"
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, m := range sess.Messages {
		delete(s.owner, m.ID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) CreateMessage(_ context.Context, sessionID string, role Role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	msg := Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, msg)
	s.owner[msg.ID] = sessionID
	return &msg, nil
}

func (s *InMemoryStore) UpdateMessageContent(_ context.Context, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.owner[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	sess := s.sessions[sessionID]
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Content = content
			return nil
		}
	}
	return ErrMessageNotFound
}

func (s *InMemoryStore) TouchSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneSession(sess *Session) *Session {
	c := *sess
	c.Messages = make([]Message, len(sess.Messages))
	copy(c.Messages, sess.Messages)
	return &c
}
