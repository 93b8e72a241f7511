// Package openai adapts OpenAI's chat completions API to the
// ai.ChatModel contract via the official openai-go client.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/stratix/stratix-go/workflow/task/ai"
)

const defaultModel = "gpt-4o"

// ChatModel implements ai.ChatModel for OpenAI chat completions.
type ChatModel struct {
	modelName string
	client    completionClient
}

// completionClient is the seam between the adapter and the SDK,
// mockable in tests.
type completionClient interface {
	createCompletion(ctx context.Context, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error)
}

// NewChatModel creates an OpenAI-backed ChatModel. An empty modelName
// selects gpt-4o.
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
	return m.client.createCompletion(ctx, messages, tools)
}

// sdkClient wraps the official SDK. The SDK retries transient errors
// itself; the engine's retry policy sits above that.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createCompletion(ctx context.Context, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error) {
	if c.apiKey == "" {
		return ai.ChatOut{}, errors.New("openai API key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(c.apiKey))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ai.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ai.ChatOut{}, errors.New("openai: empty completion")
	}
	return convertResponse(resp.Choices[0].Message)
}

func convertMessages(messages []ai.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case ai.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case ai.RoleAssistant:
			out = append(out, sdk.AssistantMessage(msg.Content))
		default:
			out = append(out, sdk.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []ai.ToolSpec) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := sdk.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			fn.Description = sdk.String(t.Description)
		}
		if t.Schema != nil {
			fn.Parameters = sdk.FunctionParameters(t.Schema)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out
}

func convertResponse(msg sdk.ChatCompletionMessage) (ai.ChatOut, error) {
	out := ai.ChatOut{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		var input map[string]any
		if args := tc.Function.Arguments; args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return ai.ChatOut{}, fmt.Errorf("openai: decode tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ai.ToolCall{Name: tc.Function.Name, Input: input})
	}
	return out, nil
}
