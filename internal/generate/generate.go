// Package generate calls an OpenAI-compatible chat completion API to turn
// retrieved context into answers.
package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dossier-rag/dossier/internal/log"
)

// ErrGeneration marks completion failures after all retries.
var ErrGeneration = errors.New("generation failed")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Zero values fall back to the
// client's configured defaults.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption as the API accounted it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a finished completion.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Stats tracks cumulative client activity.
type Stats struct {
	Requests    int64
	Failures    int64
	TotalTokens int64
}

// Service is the generation surface consumed by the rest of the system.
type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, fn func(delta string) error) (*Response, error)
	Health(ctx context.Context) error
}

// Config holds client settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute float64
	MaxRetries        int
}

// Client talks to one chat completion endpoint. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger

	requests atomic.Int64
	failures atomic.Int64
	tokens   atomic.Int64
}

// New builds a Client. The API key may be empty for local endpoints.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("generation base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("generation model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1),
		logger:     logger,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Complete runs one blocking completion call with retries.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := c.send(ctx, c.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("%w: decoding response: %v", ErrGeneration, err)
	}
	if len(parsed.Choices) == 0 {
		c.failures.Add(1)
		return nil, fmt.Errorf("%w: response carries no choices", ErrGeneration)
	}

	c.tokens.Add(int64(parsed.Usage.TotalTokens))
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// Stream runs a streaming completion, invoking fn for each content delta.
// A non-nil error from fn aborts the stream and is returned unchanged.
func (c *Client) Stream(ctx context.Context, req Request, fn func(delta string) error) (*Response, error) {
	body, err := c.send(ctx, c.buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	resp := &Response{}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("unparseable stream chunk skipped", "error", err)
			continue
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			resp.FinishReason = fr
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := fn(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("%w: reading stream: %v", ErrGeneration, err)
	}

	resp.Content = content.String()
	c.tokens.Add(int64(resp.Usage.TotalTokens))
	return resp, nil
}

// Health checks that the endpoint answers at all.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns cumulative counters since the client was built.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		TotalTokens: c.tokens.Load(),
	}
}

func (c *Client) buildPayload(req Request, stream bool) chatRequest {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if payload.Model == "" {
		payload.Model = c.cfg.Model
	}
	if payload.Temperature == 0 {
		payload.Temperature = c.cfg.Temperature
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = c.cfg.MaxTokens
	}
	return payload
}

// send posts the payload and returns the response body on success. Rate
// limit and server errors are retried with exponential backoff; other
// failures are terminal.
func (c *Client) send(ctx context.Context, payload chatRequest) (io.ReadCloser, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("retrying completion request",
				"attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/chat/completions", bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		c.requests.Add(1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case retryable(resp.StatusCode):
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			c.failures.Add(1)
			return nil, fmt.Errorf("%w: status %d: %s",
				ErrGeneration, resp.StatusCode, strings.TrimSpace(string(detail)))
		}
	}

	c.failures.Add(1)
	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrGeneration, c.cfg.MaxRetries, lastErr)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
