// Package llm calls an OpenAI-compatible chat-completions endpoint
// (OpenRouter by default) to answer questions about captured pages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/pagegrab/convo"
)

// ErrEmptyModelResponse means the model returned no usable text.
var ErrEmptyModelResponse = errors.New("model returned empty content")

// Config configures the client.
type Config struct {
	BaseURL          string        // default: https://openrouter.ai/api/v1
	APIKey           string        // empty means the client is not configured
	Model            string        // default: minimax/minimax-m2:free
	Timeout          time.Duration // overall request timeout. Default: 60s.
	ConnectTimeout   time.Duration // TCP connect timeout. Default: 10s.
	DisableReasoning bool          // reasoning is requested unless disabled
	Logger           *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Model == "" {
		c.Model = "minimax/minimax-m2:free"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Completion is one model answer.
type Completion struct {
	Content   string
	Reasoning string // optional reasoning metadata, may be empty
}

// Client talks to the completion endpoint. No retries are performed; a
// failed call is terminal for that one exchange.
type Client struct {
	config Config
	client *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				Proxy: http.ProxyFromEnvironment,
			},
		},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.config.APIKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type reasoningOptions struct {
	Enabled bool `json:"enabled"`
}

type chatRequest struct {
	Model     string            `json:"model"`
	Messages  []chatMessage     `json:"messages"`
	Reasoning *reasoningOptions `json:"reasoning,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			Reasoning string          `json:"reasoning"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the message sequence and returns the model's answer.
func (c *Client) Complete(ctx context.Context, messages []convo.Message) (*Completion, error) {
	payload := chatRequest{Model: c.config.Model, Messages: make([]chatMessage, 0, len(messages))}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if !c.config.DisableReasoning {
		payload.Reasoning = &reasoningOptions{Enabled: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion http %d: %s", resp.StatusCode, snippet(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyModelResponse
	}

	msg := parsed.Choices[0].Message
	content := strings.TrimSpace(decodeContent(msg.Content))
	if content == "" {
		return nil, ErrEmptyModelResponse
	}
	return &Completion{Content: content, Reasoning: msg.Reasoning}, nil
}

// decodeContent accepts both content encodings the API emits: a plain
// string or an array of {"type","text"} parts.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}

// snippet bounds an error body for log-friendly messages.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
