// Package ai holds the core.AIClient implementations used by the LLM
// planner: a small client for OpenAI-compatible chat completion endpoints
// and one for the Bedrock Converse API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/telemetry"
)

// DefaultBaseURL is used when no base URL is configured
const DefaultBaseURL = "https://api.openai.com/v1"

// Client calls a chat completions endpoint
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float32

	http      *http.Client
	retry     *resilience.RetryConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel sets the default model
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient replaces the traced default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry sets the retry policy for transient failures
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		c.logger = core.ComponentLogger(logger, "ai")
	}
}

// WithTelemetry sets the span sink
func WithTelemetry(t core.Telemetry) Option {
	return func(c *Client) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// NewClient creates a client. The API key may be empty for local servers
// that do not check it.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     DefaultBaseURL,
		model:       "gpt-4o-mini",
		maxTokens:   1000,
		temperature: 0,
		http:        telemetry.NewTracedHTTPClient(nil, 60*time.Second),
		retry:       resilience.DefaultRetryConfig(),
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
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

// GenerateResponse implements core.AIClient
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_response")
	defer span.End()

	req := chatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if options != nil {
		if options.Model != "" {
			req.Model = options.Model
		}
		if options.MaxTokens > 0 {
			req.MaxTokens = options.MaxTokens
		}
		req.Temperature = options.Temperature
		if options.SystemPrompt != "" {
			req.Messages = append(req.Messages, chatMessage{Role: "system", Content: options.SystemPrompt})
		}
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	span.SetAttribute("ai.model", req.Model)
	span.SetAttribute("ai.prompt_length", len(prompt))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	start := time.Now()
	var parsed chatResponse
	_, err = resilience.Retry(ctx, c.retry, func(attempt int) error {
		return c.post(ctx, body, &parsed)
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Error("AI request failed", telemetry.LogFields(ctx, map[string]interface{}{
			"operation": "ai_request",
			"model":     req.Model,
			"error":     err.Error(),
		}))
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("chat completion returned no choices")
		span.RecordError(err)
		return nil, err
	}

	resp := &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	span.SetAttribute("ai.total_tokens", resp.Usage.TotalTokens)
	c.logger.Info("AI response received", telemetry.LogFields(ctx, map[string]interface{}{
		"operation":    "ai_request",
		"model":        resp.Model,
		"total_tokens": resp.Usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	}))
	return resp, nil
}

// post sends one request. Transport errors, 429 and 5xx are reported as
// retryable connection failures.
func (c *Client) post(ctx context.Context, body []byte, out *chatResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", core.ErrConnectionFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", core.ErrConnectionFailed, resp.StatusCode, msg)
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid or missing API key", core.ErrInvalidConfiguration)
		default:
			return fmt.Errorf("%w: status %d: %s", core.ErrRequestFailed, resp.StatusCode, msg)
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse chat response: %w", err)
	}
	return nil
}
