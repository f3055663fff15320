package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calliope-chat/calliope/internal/chat"
)

// HTTPResponder calls an upstream text-generation endpoint and returns the
// complete reply. The upstream is not natively streaming; chunking into
// fragments happens downstream.
type HTTPResponder struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPResponder(url, apiKey, model string) *HTTPResponder {
	if strings.TrimSpace(model) == "" {
		model = "qwen-turbo"
	}
	return &HTTPResponder{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type upstreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type upstreamRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []upstreamMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		TopP        float64 `json:"top_p"`
	} `json:"parameters"`
}

type upstreamResponse struct {
	Output struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"output"`
}

func (r *HTTPResponder) Complete(ctx context.Context, history []chat.Message) (string, error) {
	req := upstreamRequest{Model: r.model}
	req.Input.Messages = make([]upstreamMessage, 0, len(history))
	for _, m := range history {
		role := "assistant"
		if m.Role == chat.RoleUser {
			role = "user"
		}
		req.Input.Messages = append(req.Input.Messages, upstreamMessage{Role: role, Content: m.Content})
	}
	req.Parameters.Temperature = 0.7
	req.Parameters.MaxTokens = 2000
	req.Parameters.TopP = 0.8

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	res, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ClassifyTransport(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", ClassifyTransport(err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", ClassifyStatus(res.StatusCode, string(body))
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Kind: KindUnknown, msg: "malformed upstream response"}
	}
	return parsed.Output.Text, nil
}
