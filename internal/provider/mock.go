package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/calliope-chat/calliope/internal/chat"
)

// MockResponder produces deterministic local replies when no upstream is
// configured.
type MockResponder struct{}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (r *MockResponder) Complete(ctx context.Context, history []chat.Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			last = strings.TrimSpace(history[i].Content)
			break
		}
	}
	if last == "" {
		return "I'm here. Ask me anything.", nil
	}
	return fmt.Sprintf("You said: %s. This is a locally generated reply.", last), nil
}
