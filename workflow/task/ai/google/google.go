// Package google adapts Google's Gemini API to the ai.ChatModel
// contract via the official generative-ai-go client.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/stratix/stratix-go/workflow/task/ai"
)

const defaultModel = "gemini-2.5-flash"

// ChatModel implements ai.ChatModel for Gemini. Content blocked by the
// safety filters surfaces as a *SafetyError.
type ChatModel struct {
	modelName string
	client    contentClient
}

// contentClient is the seam between the adapter and the SDK, mockable
// in tests.
type contentClient interface {
	generateContent(ctx context.Context, system string, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error)
}

// NewChatModel creates a Gemini-backed ChatModel. An empty modelName
// selects the default flash model.
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
	return m.client.generateContent(ctx, system, conversation, tools)
}

// sdkClient wraps the official SDK. A client is built per call; the
// SDK's connection is cheap relative to a generation and this keeps the
// adapter stateless.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) generateContent(ctx context.Context, system string, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error) {
	if c.apiKey == "" {
		return ai.ChatOut{}, errors.New("google API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return ai.ChatOut{}, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	if system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	resp, err := genModel.GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return ai.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	return convertResponse(resp)
}

func convertMessages(messages []ai.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(messages))
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []ai.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema maps the top level of a JSON Schema object to the SDK's
// schema type. Nested objects flatten to their type and description;
// the models tolerate the loss.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop := &genai.Schema{}
			if m, ok := raw.(map[string]any); ok {
				if ts, ok := m["type"].(string); ok {
					prop.Type = schemaType(ts)
				}
				if desc, ok := m["description"].(string); ok {
					prop.Description = desc
				}
			}
			out.Properties[name] = prop
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func schemaType(s string) genai.Type {
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeUnspecified
}

func convertResponse(resp *genai.GenerateContentResponse) (ai.ChatOut, error) {
	var out ai.ChatOut
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return out, &SafetyError{reason: resp.PromptFeedback.BlockReason.String()}
		}
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyError{reason: candidate.FinishReason.String()}
	}
	if candidate.Content == nil {
		return out, nil
	}
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, ai.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out, nil
}

// SafetyError reports content blocked by Gemini's safety filters.
// Check for it with errors.As and fall back to another provider or
// rephrase the prompt.
type SafetyError struct {
	reason string
}

func (e *SafetyError) Error() string {
	return "google: content blocked by safety filter: " + e.reason
}

// Reason returns the block reason reported by the API.
func (e *SafetyError) Reason() string { return e.reason }
