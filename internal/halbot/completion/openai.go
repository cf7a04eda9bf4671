package completion

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

	"github.com/tidwall/gjson"

	"github.com/bdobrica/halbot/common/retry"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-3.5-turbo"
	defaultImageSize = "1024x1024"
	defaultTimeout   = 60 * time.Second

	// maxResponseBytes bounds how much of a reply body is read.
	maxResponseBytes = 4 << 20
)

// Config configures the OpenAI-compatible client.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. http://localhost:11434/v1 for
	// Ollama. Defaults to https://api.openai.com/v1.
	BaseURL string

	// Model is used when a Request does not name one.
	// Defaults to gpt-3.5-turbo.
	Model string

	// ImageSize is used when an ImageRequest does not name one.
	ImageSize string

	// Timeout bounds each HTTP attempt. Defaults to 60 s.
	Timeout time.Duration

	// Retry controls retries of transient failures (network errors, 429,
	// 5xx). The zero value makes a single attempt.
	Retry retry.Config

	// HTTPClient replaces the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the chat-completions and image-generations endpoints of
// an OpenAI-compatible API. It implements Completer and Imager and is safe
// for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

var (
	_ Completer = (*Client)(nil)
	_ Imager    = (*Client)(nil)
)

// New returns a Client with defaults applied to cfg.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = defaultImageSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: client}
}

// Model returns the default model name.
func (c *Client) Model() string { return c.cfg.Model }

// --- minimal OpenAI wire types ---

type oaiChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type oaiImageRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

// Complete submits req to /chat/completions.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	body := oaiChatRequest{
		Model:     model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}

	start := time.Now()
	raw, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if content.Type != gjson.String || strings.TrimSpace(content.String()) == "" {
		return nil, &MalformedError{Reason: "no reply content", Raw: string(raw)}
	}
	total := gjson.GetBytes(raw, "usage.total_tokens")
	if total.Type != gjson.Number {
		return nil, &MalformedError{Reason: "no token usage", Raw: string(raw)}
	}

	return &Response{
		Reply:            content.String(),
		TotalTokens:      int(total.Int()),
		PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
		Model:            gjson.GetBytes(raw, "model").String(),
		Latency:          time.Since(start),
	}, nil
}

// Generate submits req to /images/generations and returns the first URL.
func (c *Client) Generate(ctx context.Context, req ImageRequest) (string, error) {
	body := oaiImageRequest{
		Prompt: req.Prompt,
		N:      req.Count,
		Size:   req.Size,
	}
	if body.N <= 0 {
		body.N = 1
	}
	if body.Size == "" {
		body.Size = c.cfg.ImageSize
	}

	raw, err := c.post(ctx, "/images/generations", body)
	if err != nil {
		return "", err
	}

	url := gjson.GetBytes(raw, "data.0.url")
	if url.Type != gjson.String || url.String() == "" {
		return "", &MalformedError{Reason: "no image URL", Raw: string(raw)}
	}
	return url.String(), nil
}

// post marshals body, sends it with retries, and returns the raw body of a
// 2xx reply.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("completion: marshal request: %w", err)
	}

	var raw []byte
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		var attemptErr error
		raw, attemptErr = c.send(ctx, path, data)
		if attemptErr != nil && !isTransient(ctx, attemptErr) {
			return retry.Permanent(attemptErr)
		}
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// send performs one HTTP attempt.
func (c *Client) send(ctx context.Context, path string, data []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("completion: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("completion: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Type:       gjson.GetBytes(raw, "error.type").String(),
			Message:    gjson.GetBytes(raw, "error.message").String(),
		}
	}

	// Some compatible servers report errors with a 200 status.
	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Type:       gjson.GetBytes(raw, "error.type").String(),
			Message:    msg.String(),
		}
	}
	return raw, nil
}

// isTransient classifies an attempt error for retry.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Everything else that reaches here is a transport failure.
	return true
}
