package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = params
	m.calls++
	return m.resp, m.err
}

func TestGenerate(t *testing.T) {
	mock := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hello there"}}},
	}}
	c := &Client{chat: mock, model: DefaultModel}

	got, err := c.Generate(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage("hi"),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "hello there" {
		t.Errorf("Generate = %q", got)
	}
	if len(mock.params.Tools) != 0 {
		t.Errorf("plain Generate must not send tools")
	}
}

func TestGenerateNoChoices(t *testing.T) {
	c := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}, model: DefaultModel}
	if _, err := c.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error when no choices returned")
	}
}

func TestGenerateWithTools(t *testing.T) {
	mock := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Content: "",
			ToolCalls: []openai.ChatCompletionMessageToolCall{
				{
					ID: "call_1",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      "get_memory",
						Arguments: `{"search_query":"tea"}`,
					},
				},
				{
					ID: "call_2",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      "store_memory",
						Arguments: `{"memory_content":"Likes tea","memory_type":"preference"}`,
					},
				},
			},
		}}},
	}}
	c := &Client{chat: mock, model: DefaultModel}

	tools := []openai.ChatCompletionToolParam{{}}
	resp, err := c.GenerateWithTools(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage("do you remember my tea preference?"),
	}, tools)
	if err != nil {
		t.Fatalf("GenerateWithTools failed: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Function.Name != "get_memory" || resp.ToolCalls[1].Function.Name != "store_memory" {
		t.Errorf("tool call order lost: %+v", resp.ToolCalls)
	}
	params, err := resp.ToolCalls[0].Function.ParseGetMemoryParams()
	if err != nil {
		t.Fatalf("ParseGetMemoryParams failed: %v", err)
	}
	if params.SearchQuery != "tea" {
		t.Errorf("search query = %q", params.SearchQuery)
	}
	if len(mock.params.Tools) != 1 {
		t.Errorf("tools not forwarded to the API")
	}
}

func TestGenerateWithToolsError(t *testing.T) {
	c := &Client{chat: &mockChatService{err: errors.New("rate limited")}, model: DefaultModel}
	if _, err := c.GenerateWithTools(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error passthrough")
	}
}

func TestDescribeMediaNonImage(t *testing.T) {
	mock := &mockChatService{}
	c := &Client{chat: mock, model: DefaultModel}
	desc, err := c.DescribeMedia(context.Background(), "https://example.com/m", "application/pdf")
	if err != nil {
		t.Fatalf("DescribeMedia failed: %v", err)
	}
	if desc == "" {
		t.Error("expected a non-empty static description")
	}
	if mock.calls != 0 {
		t.Error("non-image media must not hit the API")
	}
}

func TestDescribeMediaImage(t *testing.T) {
	mock := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "A cat on a sofa."}}},
	}}
	c := &Client{chat: mock, model: DefaultModel}
	desc, err := c.DescribeMedia(context.Background(), "https://example.com/cat.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("DescribeMedia failed: %v", err)
	}
	if desc != "A cat on a sofa." {
		t.Errorf("DescribeMedia = %q", desc)
	}
	if mock.calls != 1 {
		t.Errorf("expected one API call, got %d", mock.calls)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when API key is unset")
	}
}
