// Package llm defines the model client abstraction used by the orchestration
// engine. Two clients exist at runtime: the primary model that produces
// user-facing replies, and the cheaper auxiliary model used for
// classification, recall selection, extraction, compression, and the
// evolution loop.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation. ImageURLs carry
// image references alongside (or instead of) text; only user messages carry
// images.
type Message struct {
	Role      Role     `json:"role"`
	Content   string   `json:"content,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// TokenUsage tracks token consumption for a single model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another call's usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the sum of all token fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for a chat call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatResponse contains the model's response to a chat request.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// Client is the interface for model interactions. Implementations make
// exactly one attempt per call; retry policy belongs to the caller.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
