package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock modes. DetectMode maps a request onto one of these by inspecting
// the system message, so the same prompt always selects the same canned
// response.
const (
	ModePlanner    = "planner"
	ModeCritic     = "critic"
	ModeSynthesis  = "synthesis"
	ModeSummarize  = "summarize"
	ModeAdjudicate = "adjudicate"
	ModeChat       = "chat"
)

// MockChat is a deterministic ChatClient for tests. Responses are keyed
// by mode; unmatched modes fall back to Default. Every request is
// recorded for assertions.
//
//	mock := llm.NewMockChat()
//	mock.SetResponse(llm.ModeCritic, `{"score":0.5,"feedback":"thin"}`)
//	resp, _ := mock.Chat(ctx, req)
type MockChat struct {
	mu        sync.Mutex
	responses map[string]string

	// Default is returned when no mode-keyed response matches.
	Default string

	// Err, when set, fails every call until cleared.
	Err error

	// ModeFunc overrides mode detection when set.
	ModeFunc func(req ChatRequest) string

	// Calls records every request in arrival order.
	Calls []ChatRequest
}

// NewMockChat returns a MockChat with an empty response table.
func NewMockChat() *MockChat {
	return &MockChat{
		responses: make(map[string]string),
		Default:   "ok",
	}
}

// SetResponse installs the canned content for a mode.
func (m *MockChat) SetResponse(mode, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[mode] = content
}

// Model implements ChatClient.
func (m *MockChat) Model() string { return "mock" }

// Chat implements ChatClient.
func (m *MockChat) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return nil, m.Err
	}

	mode := DetectMode(req)
	if m.ModeFunc != nil {
		mode = m.ModeFunc(req)
	}

	content, ok := m.responses[mode]
	if !ok {
		content = m.Default
	}

	return &ChatResponse{
		Content:          content,
		Model:            "mock",
		PromptTokens:     promptTokenEstimate(req),
		CompletionTokens: len(content) / 4,
		FinishReason:     "stop",
	}, nil
}

// CallCount returns how many requests the mock has served.
func (m *MockChat) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsForMode returns the recorded requests whose detected mode matches.
func (m *MockChat) CallsForMode(mode string) []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ChatRequest
	for _, req := range m.Calls {
		if DetectMode(req) == mode {
			out = append(out, req)
		}
	}
	return out
}

// DetectMode classifies a request by its system message. The prompt
// builders in the substrate each announce their role in the first system
// line, which keeps this mapping stable.
func DetectMode(req ChatRequest) string {
	var system string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = strings.ToLower(msg.Content)
			break
		}
	}

	switch {
	case strings.Contains(system, "research planner"):
		return ModePlanner
	case strings.Contains(system, "research critic"):
		return ModeCritic
	case strings.Contains(system, "research synthes"):
		return ModeSynthesis
	case strings.Contains(system, "summariz"):
		return ModeSummarize
	case strings.Contains(system, "directive compliance"):
		return ModeAdjudicate
	default:
		return ModeChat
	}
}

func promptTokenEstimate(req ChatRequest) int {
	n := 0
	for _, msg := range req.Messages {
		n += len(msg.Content) / 4
	}
	return n
}

var _ ChatClient = (*MockChat)(nil)
