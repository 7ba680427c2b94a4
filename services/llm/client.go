package llm

import (
	"context"
	"errors"
)

// Chat roles. Mirrors the OpenAI wire names so backends can pass them through.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoChoices is returned when a backend responds without any completion.
	ErrNoChoices = errors.New("llm: backend returned no choices")

	// ErrContentFiltered is returned when the provider blocked the completion.
	ErrContentFiltered = errors.New("llm: content filtered by provider")

	// ErrRateLimited is returned when the provider rejected the call for quota.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the typed request accepted by every chat backend.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"` // override backend default
	Temperature *float32  `json:"temperature,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	JSONMode    bool      `json:"json_mode,omitempty"` // request a JSON object response
}

// ChatResponse is the typed response produced by every chat backend.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
}

// TotalTokens returns prompt plus completion tokens.
func (r *ChatResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// ChatClient is the standard interface for any chat-completion backend.
// All substrate LLM usage goes through this interface so backends stay
// replaceable and tests can run on the mock.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Model() string
}

// Embedder produces dense vectors for semantic indexing.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the fixed vector width this embedder produces.
	Dimension() int
}

// SystemPrompt prepends a system message to a user prompt, the common
// shape for single-shot calls.
func SystemPrompt(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: user})
	return msgs
}

// Float32Ptr returns a pointer to v, for optional request fields.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v, for optional request fields.
func IntPtr(v int) *int { return &v }
