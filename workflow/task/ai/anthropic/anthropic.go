// Package anthropic adapts Anthropic's Claude API to the ai.ChatModel
// contract via the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stratix/stratix-go/workflow/task/ai"
)

const defaultModel = "claude-sonnet-4-20250514"

// maxTokens bounds every completion; the executor layer has no use for
// unbounded generations inside a workflow node.
const maxTokens = 4096

// ChatModel implements ai.ChatModel for Claude. The system prompt is
// extracted from the message list into the API's dedicated parameter.
type ChatModel struct {
	modelName string
	client    messageClient
}

// messageClient is the seam between the adapter and the SDK, mockable
// in tests.
type messageClient interface {
	createMessage(ctx context.Context, system string, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error)
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName
// selects the default Sonnet model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements ai.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error) {
	if ctx.Err() != nil {
		return ai.ChatOut{}, ctx.Err()
	}
	system, conversation := ai.SplitSystemPrompt(messages)
	return m.client.createMessage(ctx, system, conversation, tools)
}

// sdkClient wraps the official SDK.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createMessage(ctx context.Context, system string, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error) {
	if c.apiKey == "" {
		return ai.ChatOut{}, errors.New("anthropic API key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(c.apiKey))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelName),
		MaxTokens: maxTokens,
		Messages:  convertMessages(messages),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return ai.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}
	return convertResponse(msg)
}

func convertMessages(messages []ai.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == ai.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}

func convertTools(tools []ai.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := sdk.ToolParam{
			Name:        t.Name,
			InputSchema: sdk.ToolInputSchemaParam{Properties: t.Schema["properties"]},
		}
		if t.Description != "" {
			tool.Description = sdk.String(t.Description)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func convertResponse(msg *sdk.Message) (ai.ChatOut, error) {
	var out ai.ChatOut
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += v.Text
		case sdk.ToolUseBlock:
			var input map[string]any
			if len(v.Input) > 0 {
				if err := json.Unmarshal(v.Input, &input); err != nil {
					return ai.ChatOut{}, fmt.Errorf("anthropic: decode tool input for %s: %w", v.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ai.ToolCall{Name: v.Name, Input: input})
		}
	}
	return out, nil
}
