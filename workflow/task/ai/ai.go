// Package ai defines the chat-model contract used by the llm executor
// and its provider adapters (anthropic, openai, google). The interface
// abstracts provider differences behind one message format; adapters
// translate to and from the provider SDKs.
package ai

import "context"

// Standard conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the model may call. Schema follows JSON
// Schema and is optional for tools without parameters.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ChatOut is a completion: generated text, tool calls, or both.
type ChatOut struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// ChatModel is the provider contract. Implementations must respect
// context cancellation and translate provider errors into plain errors
// the retry policy can classify.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// SplitSystemPrompt separates system messages from the conversation.
// Providers that take the system prompt as a dedicated parameter
// (Anthropic, Google) use this; multiple system messages concatenate.
func SplitSystemPrompt(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}
