package task

import (
	"context"
	"fmt"

	"github.com/stratix/stratix-go/workflow"
	"github.com/stratix/stratix-go/workflow/task/ai"
)

// LLM runs a chat completion through a pluggable ai.ChatModel.
//
// Config:
//   - prompt: single user message, or
//   - messages: list of {role, content} objects
//   - system: optional system prompt prepended to either form
//
// Output: text, and toolCalls when the model requested tools.
type LLM struct {
	name  string
	model ai.ChatModel
}

// NewLLM creates an llm executor backed by model. name lets several
// providers register side by side ("llm", "llm:claude", "llm:gemini");
// empty means "llm".
func NewLLM(name string, model ai.ChatModel) *LLM {
	if name == "" {
		name = "llm"
	}
	return &LLM{name: name, model: model}
}

func (l *LLM) Name() string        { return l.name }
func (l *LLM) Description() string { return "runs a chat completion" }
func (l *LLM) Version() string     { return "1.0.0" }

func (l *LLM) ValidateConfig(config map[string]any) error {
	_, err := messagesFromConfig(config)
	return err
}

func (l *LLM) Execute(ctx context.Context, ec *workflow.ExecutionContext) (*workflow.ExecutionResult, error) {
	messages, err := messagesFromConfig(ec.Config)
	if err != nil {
		no := false
		return &workflow.ExecutionResult{Success: false, Error: err.Error(), ShouldRetry: &no}, nil
	}

	out, err := l.model.Chat(ctx, messages, nil)
	if err != nil {
		// Provider errors (rate limits, transient API faults) re-enter
		// the retry loop by default.
		return &workflow.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	data := map[string]any{"text": out.Text}
	if len(out.ToolCalls) > 0 {
		calls := make([]any, len(out.ToolCalls))
		for i, tc := range out.ToolCalls {
			calls[i] = map[string]any{"name": tc.Name, "input": tc.Input}
		}
		data["toolCalls"] = calls
	}
	return &workflow.ExecutionResult{Success: true, Data: data}, nil
}

func messagesFromConfig(config map[string]any) ([]ai.Message, error) {
	var messages []ai.Message
	if system, ok := config["system"].(string); ok && system != "" {
		messages = append(messages, ai.Message{Role: ai.RoleSystem, Content: system})
	}

	if prompt, ok := config["prompt"].(string); ok && prompt != "" {
		return append(messages, ai.Message{Role: ai.RoleUser, Content: prompt}), nil
	}

	raw, ok := config["messages"]
	if !ok {
		return nil, fmt.Errorf("config requires prompt or messages")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("messages must be a list, got %T", raw)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("messages is empty")
	}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d must be an object, got %T", i, item)
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			return nil, fmt.Errorf("message %d requires role and content", i)
		}
		messages = append(messages, ai.Message{Role: role, Content: content})
	}
	return messages, nil
}
