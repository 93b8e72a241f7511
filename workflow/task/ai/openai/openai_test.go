package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/stratix/stratix-go/workflow/task/ai"
)

type fakeCompletionClient struct {
	out ai.ChatOut
	err error

	calls    int
	messages []ai.Message
	tools    []ai.ToolSpec
}

func (f *fakeCompletionClient) createCompletion(ctx context.Context, messages []ai.Message, tools []ai.ToolSpec) (ai.ChatOut, error) {
	f.calls++
	f.messages = messages
	f.tools = tools
	return f.out, f.err
}

func TestNewChatModelDefaults(t *testing.T) {
	m := NewChatModel("test-key", "")
	if m.modelName != defaultModel {
		t.Errorf("modelName = %q, want %q", m.modelName, defaultModel)
	}
}

func TestChat(t *testing.T) {
	t.Run("keeps system messages inline", func(t *testing.T) {
		// Chat completions take the system prompt as a regular message,
		// so no splitting happens here.
		fake := &fakeCompletionClient{out: ai.ChatOut{Text: "sure"}}
		m := &ChatModel{modelName: "gpt-test", client: fake}

		out, err := m.Chat(context.Background(), []ai.Message{
			{Role: ai.RoleSystem, Content: "be terse"},
			{Role: ai.RoleUser, Content: "hi"},
		}, nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if out.Text != "sure" {
			t.Errorf("Text = %q, want %q", out.Text, "sure")
		}
		if len(fake.messages) != 2 || fake.messages[0].Role != ai.RoleSystem {
			t.Errorf("messages = %v, want system turn preserved", fake.messages)
		}
	})

	t.Run("passes tools through", func(t *testing.T) {
		fake := &fakeCompletionClient{out: ai.ChatOut{
			ToolCalls: []ai.ToolCall{{Name: "lookup", Input: map[string]any{"id": "9"}}},
		}}
		m := &ChatModel{modelName: "gpt-test", client: fake}

		out, err := m.Chat(context.Background(),
			[]ai.Message{{Role: ai.RoleUser, Content: "look up 9"}},
			[]ai.ToolSpec{{Name: "lookup"}})
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if len(fake.tools) != 1 || fake.tools[0].Name != "lookup" {
			t.Errorf("tools = %v, want the tool spec forwarded", fake.tools)
		}
		if len(out.ToolCalls) != 1 || out.ToolCalls[0].Input["id"] != "9" {
			t.Errorf("ToolCalls = %v", out.ToolCalls)
		}
	})

	t.Run("respects cancelled context without calling the API", func(t *testing.T) {
		fake := &fakeCompletionClient{}
		m := &ChatModel{modelName: "gpt-test", client: fake}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Chat(ctx, []ai.Message{{Role: ai.RoleUser, Content: "x"}}, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if fake.calls != 0 {
			t.Errorf("client called %d times, want 0", fake.calls)
		}
	})

	t.Run("propagates client errors", func(t *testing.T) {
		fake := &fakeCompletionClient{err: errors.New("quota exceeded")}
		m := &ChatModel{modelName: "gpt-test", client: fake}

		_, err := m.Chat(context.Background(), []ai.Message{{Role: ai.RoleUser, Content: "x"}}, nil)
		if err == nil || err.Error() != "quota exceeded" {
			t.Fatalf("err = %v, want the client error", err)
		}
	})
}

func TestSDKClientRequiresAPIKey(t *testing.T) {
	c := &sdkClient{modelName: "gpt-test"}
	_, err := c.createCompletion(context.Background(), []ai.Message{{Role: ai.RoleUser, Content: "x"}}, nil)
	if err == nil {
		t.Fatal("createCompletion: error = nil, want missing-key error")
	}
}
