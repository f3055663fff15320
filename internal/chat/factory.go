package chat

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: postgres for postgres://
// URLs, sqlite for sqlite:// URLs or bare file paths, in-memory when empty.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		return NewSQLiteStore(ctx, url)
	}
}
