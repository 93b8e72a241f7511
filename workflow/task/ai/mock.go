package ai

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests: it returns its
// Responses in order (repeating the last one when exhausted), records
// every call, and can inject a fixed error.
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	mu    sync.Mutex
	calls []MockCall
	next  int
}

// MockCall records one Chat invocation.
type MockCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat returns the next scripted response. The call is recorded even
// when an error is injected.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	out := m.Responses[m.next]
	if m.next < len(m.Responses)-1 {
		m.next++
	}
	return out, nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockChatModel) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
