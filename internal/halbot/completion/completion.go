// Package completion is the client side of the remote generative-text and
// image APIs.
//
// The rest of the bot treats the remote API as a black box: submit an
// ordered message list, get back reply text plus the total number of tokens
// the whole request consumed. Three failure classes are distinguished:
//
//   - transport or API failure (network error, non-2xx status): a plain
//     error, possibly an *APIError;
//   - malformed reply (2xx without extractable content): an error matching
//     ErrMalformedResponse, which callers recover from locally;
//   - rate limiting (HTTP 429): an *APIError that also matches ErrRateLimit.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMalformedResponse matches replies that arrived with a success status
// but without the fields the bot needs (reply text, token usage, image URL).
var ErrMalformedResponse = errors.New("completion: malformed response")

// ErrRateLimit matches an *APIError carrying HTTP 429.
var ErrRateLimit = errors.New("completion: upstream rate limit exceeded")

// Role is the role of a chat message as understood by the remote API.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a user-supplied role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (want system, user or assistant)", s)
}

// Message is one entry of the submitted message list.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a single completion call.
type Request struct {
	// Model overrides the client's default model when non-empty.
	Model    string
	Messages []Message
	// MaxTokens caps the reply length; 0 leaves it to the API.
	MaxTokens int
}

// Response is a well-formed completion reply.
type Response struct {
	// Reply is the assistant's text exactly as returned.
	Reply string
	// TotalTokens is the cost the API reports for the whole request:
	// every submitted message plus the reply.
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	// Model is the model name echoed by the API, if any.
	Model   string
	Latency time.Duration
}

// ImageRequest is the input to a single image-generation call.
type ImageRequest struct {
	Prompt string
	// Count defaults to 1.
	Count int
	// Size defaults to "1024x1024".
	Size string
}

// Completer submits message lists to a chat-completion API.
// Implementations must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Imager generates images from a text prompt and returns the URL of the
// first image. Implementations must be safe for concurrent use.
type Imager interface {
	Generate(ctx context.Context, req ImageRequest) (string, error)
}

// MalformedError describes a success-status reply that could not be used.
// Raw holds the verbatim body for debug logging.
type MalformedError struct {
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("completion: malformed response: %s", e.Reason)
}

// Is reports true for ErrMalformedResponse.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// APIError is a non-2xx reply from the remote API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion: API returned HTTP %d", e.StatusCode)
	}
	if e.Type == "" {
		return fmt.Sprintf("completion: API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion: API error %s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// Is reports true for ErrRateLimit when the status is 429.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimit && e.StatusCode == http.StatusTooManyRequests
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
