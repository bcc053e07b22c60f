// Package llm is the LLM Client collaborator: a thin wrapper around the
// chat completions endpoint used by the reprompt and orchestrator stages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Message is one chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConfigSource supplies the Mistral API key. The default implementation
// reads the environment fresh on every call; tests substitute a fixed
// value without touching process environment.
type ConfigSource interface {
	MistralAPIKey() string
}

// EnvConfigSource reads MISTRAL_API_KEY from the process environment every
// time it's asked, never caching it — so rotating the key, or running with
// none set at all in demo mode, never requires rebuilding the client.
type EnvConfigSource struct{}

func (EnvConfigSource) MistralAPIKey() string { return os.Getenv("MISTRAL_API_KEY") }

// Client sends chat completions to a Mistral-compatible endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ConfigSource
}

// New constructs a Client against baseURL with the given request timeout,
// reading its API key via EnvConfigSource.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithConfigSource(baseURL, timeout, EnvConfigSource{})
}

// NewWithConfigSource constructs a Client that resolves its API key through
// an arbitrary ConfigSource, e.g. a fixed value in tests.
func NewWithConfigSource(baseURL string, timeout time.Duration, cfg ConfigSource) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
	}
}

// Chat sends a single chat completion request and returns the assistant
// message content. The API key is resolved fresh on every call rather than
// cached at construction.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, temperature float64) (string, error) {
	apiKey := c.config.MistralAPIKey()

	reqBody := chatRequest{Model: model, Messages: messages, Temperature: temperature}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}
