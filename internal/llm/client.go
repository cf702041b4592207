// Package llm adapts an OpenAI-compatible chat-completions gateway into
// the typed boundaries the rest of the system consumes: a War Room
// agent panel and the news interpreter. Model replies are validated
// here so downstream code never sees a loose payload.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
)

// ErrBudgetExhausted means the shared per-minute request budget has no
// token to spend right now.
var ErrBudgetExhausted = errors.New("llm request budget exhausted")

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client is the chat-completions gateway client. One token bucket and
// one circuit breaker cover every caller, so interpreter traffic and
// agent traffic drain the same budget.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

func NewClient(cfg config.LLMConfig, breaker *gobreaker.CircuitBreaker, logger zerolog.Logger) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:8080/v1/chat/completions"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.3
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	perMin := cfg.RequestsPerMin
	if perMin <= 0 {
		perMin = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(perMin))/60.0, burst),
		breaker:     breaker,
		logger:      logger.With().Str("component", "llm_client").Logger(),
	}
}

// Complete sends one system+user exchange, blocking until the budget
// grants a token or ctx expires.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for llm budget: %w", err)
	}
	return c.complete(ctx, system, user)
}

// TryComplete sends one exchange only when a budget token is
// immediately available and returns ErrBudgetExhausted otherwise.
// Batch callers use this so a dry bucket defers work instead of
// stalling the cycle.
func (c *Client) TryComplete(ctx context.Context, system, user string) (string, error) {
	if !c.limiter.Allow() {
		metrics.LLMRequests.WithLabelValues("throttled").Inc()
		return "", ErrBudgetExhausted
	}
	return c.complete(ctx, system, user)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	started := time.Now()
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, system, user)
	})
	durationMs := float64(time.Since(started).Milliseconds())
	if err != nil {
		metrics.RecordLLMRequest("error", durationMs)
		return "", err
	}
	metrics.RecordLLMRequest("success", durationMs)
	return v.(string), nil
}

func (c *Client) do(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach llm gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read llm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var gateway errorResponse
		if json.Unmarshal(body, &gateway) == nil && gateway.Error.Message != "" {
			return "", fmt.Errorf("llm gateway error (status %d): %s", resp.StatusCode, gateway.Error.Message)
		}
		return "", fmt.Errorf("llm gateway error (status %d)", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", errors.New("llm response carried no choices")
	}

	c.logger.Debug().
		Str("model", chat.Model).
		Int("prompt_tokens", chat.Usage.PromptTokens).
		Int("completion_tokens", chat.Usage.CompletionTokens).
		Msg("llm request complete")

	return chat.Choices[0].Message.Content, nil
}

// DecodeReply parses a model reply as JSON, tolerating a markdown code
// fence around the payload.
func DecodeReply(content string, target interface{}) error {
	if err := json.Unmarshal([]byte(stripFence(content)), target); err != nil {
		return fmt.Errorf("failed to parse model reply as JSON: %w", err)
	}
	return nil
}

func stripFence(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+7:]
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
	} else {
		return strings.TrimSpace(content)
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}
