package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/calliope-chat/calliope/internal/chat"
)

// Kind classifies upstream failures so each can be surfaced with an
// appropriate user-facing message and retry expectation.
type Kind string

const (
	KindQuotaExceeded      Kind = "API_QUOTA_EXCEEDED"
	KindKeyInvalid         Kind = "API_KEY_INVALID"
	KindServiceUnavailable Kind = "API_SERVICE_UNAVAILABLE"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindAPI                Kind = "API_ERROR"
	KindUnknown            Kind = "UNKNOWN_ERROR"
)

// Error is a classified upstream failure.
type Error struct {
	Kind   Kind
	Status int
	msg    string
}

// NewError builds a classified failure directly. Useful for callers that
// simulate upstream behavior.
func NewError(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, msg: msg}
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// KindOf extracts the classification from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Responder produces a complete reply for a conversation history. It is the
// system's only contact with the upstream model vendor.
type Responder interface {
	Complete(ctx context.Context, history []chat.Message) (string, error)
}

// ClassifyStatus maps an upstream HTTP status and response body to an error
// kind. Quota keywords in the body take precedence over the generic 4xx bucket
// because some vendors signal exhaustion with a plain 400.
func ClassifyStatus(status int, body string) *Error {
	lower := strings.ToLower(body)
	switch {
	case status == 429 || status == 402 || containsAny(lower, "quota", "token", "limit", "insufficient"):
		return &Error{Kind: KindQuotaExceeded, Status: status, msg: "upstream quota exhausted"}
	case status == 401 || status == 403:
		return &Error{Kind: KindKeyInvalid, Status: status, msg: "upstream rejected credentials"}
	case status >= 500:
		return &Error{Kind: KindServiceUnavailable, Status: status, msg: "upstream unavailable"}
	default:
		return &Error{Kind: KindAPI, Status: status, msg: "upstream request failed"}
	}
}

// ClassifyTransport wraps a connection-level failure.
func ClassifyTransport(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, msg: err.Error()}
	}
	lower := strings.ToLower(err.Error())
	if containsAny(lower, "connection refused", "no such host", "timeout", "broken pipe", "connection reset") {
		return &Error{Kind: KindNetwork, msg: err.Error()}
	}
	return &Error{Kind: KindUnknown, msg: err.Error()}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Config controls responder construction.
type Config struct {
	Mode   string
	URL    string
	APIKey string
	Model  string
}

// New builds a responder for the configured mode. "auto" prefers the HTTP
// responder when a URL and key are present, falling back to the mock.
func New(cfg Config) (Responder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" && strings.TrimSpace(cfg.APIKey) != "" {
			return NewHTTPResponder(cfg.URL, cfg.APIKey, cfg.Model), nil
		}
		return NewMockResponder(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("provider URL is required for http mode")
		}
		return NewHTTPResponder(cfg.URL, cfg.APIKey, cfg.Model), nil
	case "mock":
		return NewMockResponder(), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}
