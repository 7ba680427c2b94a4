package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIChat talks to any OpenAI-compatible endpoint (OpenAI itself, or a
// local gateway that speaks the same protocol). The API key is held in a
// memguard enclave and only materialized for the duration of a request.
type OpenAIChat struct {
	key        *memguard.Enclave
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIChat builds a chat backend from the environment:
//
//	OPENAI_API_KEY   required (falls back to /run/secrets/openai_api_key)
//	OPENAI_MODEL     default gpt-4o-mini
//	OPENAI_BASE_URL  optional, for OpenAI-compatible gateways
//	OPENAI_RPS       optional client-side rate limit, default 5
func NewOpenAIChat() (*OpenAIChat, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the OpenAI API key from container secrets")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	rps := 5.0
	if raw := os.Getenv("OPENAI_RPS"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			rps = parsed
		}
	}

	// Seal the key; the plaintext copy is wiped by NewEnclave.
	enclave := memguard.NewEnclave([]byte(apiKey))

	slog.Info("Initializing OpenAI-compatible chat client", "model", model, "rps", rps)
	return &OpenAIChat{
		key:        enclave,
		baseURL:    os.Getenv("OPENAI_BASE_URL"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}, nil
}

// Model returns the default model name.
func (c *OpenAIChat) Model() string { return c.model }

// Chat implements ChatClient. The call waits on the client-side rate
// limiter first so a burst of research steps cannot trip provider quotas.
func (c *OpenAIChat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	client, err := c.openClient()
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	apiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		apiReq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		apiReq.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		apiReq.MaxCompletionTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		apiReq.Stop = req.Stop
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, ErrContentFiltered
	}

	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishReason:     string(choice.FinishReason),
	}, nil
}

// openClient materializes the key from the enclave and builds a client.
// The locked buffer is destroyed before returning; the key string inside
// the client config lives only for the request.
func (c *OpenAIChat) openClient() (*openai.Client, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	cfg := openai.DefaultConfig(buf.String())
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg), nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// classifyAPIError maps provider errors onto the package sentinels so the
// recovery plane can branch on them.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return fmt.Errorf("OpenAI API call failed: %w", err)
}
