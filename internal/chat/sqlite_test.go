package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)

	sess, err := s.CreateSession(ctx, "u1", "t")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	msg, err := s.CreateMessage(ctx, sess.ID, RoleUser, "hello")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}
	// The message rows go with the session.
	if err := s.UpdateMessageContent(ctx, msg.ID, "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("UpdateMessageContent() on cascaded row error = %v, want ErrMessageNotFound", err)
	}
}

func TestSQLiteStoreRejectsOrphanMessages(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)

	if _, err := s.CreateMessage(ctx, "no-such-session", RoleUser, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CreateMessage() for unknown session error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStoreMessageOrdering(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)

	sess, err := s.CreateSession(ctx, "u1", "ordered")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	m1, err := s.CreateMessage(ctx, sess.ID, RoleUser, "first")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	m2, err := s.CreateMessage(ctx, sess.ID, RoleAssistant, "")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if err := s.UpdateMessageContent(ctx, m2.ID, "reply"); err != nil {
		t.Fatalf("UpdateMessageContent() error = %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].ID != m1.ID || got.Messages[1].Content != "reply" {
		t.Fatalf("messages = %+v, want insertion order with updated reply", got.Messages)
	}
}
