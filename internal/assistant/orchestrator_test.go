package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/whatsy/whatsy/internal/genai"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
)

// mockGenAI implements genai.ClientInterface for testing.
type mockGenAI struct {
	toolResp      *genai.ToolCallResponse
	toolErr       error
	finalReply    string
	finalErr      error
	describeText  string
	describeErr   error
	toolCallCount int
	plainCount    int
	lastMessages  []openai.ChatCompletionMessageParamUnion
}

func (m *mockGenAI) Generate(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.plainCount++
	m.lastMessages = messages
	return m.finalReply, m.finalErr
}

func (m *mockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	m.toolCallCount++
	m.lastMessages = messages
	return m.toolResp, m.toolErr
}

func (m *mockGenAI) DescribeMedia(ctx context.Context, mediaURL, contentType string) (string, error) {
	return m.describeText, m.describeErr
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{
		ID:   id,
		Type: "function",
		Function: models.FunctionCall{
			Name:      name,
			Arguments: json.RawMessage(args),
		},
	}
}

func TestConverseNoToolCalls(t *testing.T) {
	g := &mockGenAI{toolResp: &genai.ToolCallResponse{Content: "Hi! How can I help?"}}
	o := NewOrchestrator(g, &memory.MockGateway{})

	result := o.Converse(context.Background(), ConversationRequest{MemoryUserID: "u1", Query: "hello"})
	if result.Degraded {
		t.Fatal("unexpected degrade")
	}
	if result.Reply != "Hi! How can I help?" {
		t.Errorf("reply = %q", result.Reply)
	}
	if g.toolCallCount != 1 || g.plainCount != 0 {
		t.Errorf("rounds: tools=%d plain=%d, want 1/0", g.toolCallCount, g.plainCount)
	}
}

func TestConverseToolLoop(t *testing.T) {
	g := &mockGenAI{
		toolResp: &genai.ToolCallResponse{
			ToolCalls: []models.ToolCall{
				toolCall("call_1", "get_memory", `{"search_query":"tea"}`),
				toolCall("call_2", "store_memory", `{"memory_content":"Likes oolong","memory_type":"preference"}`),
			},
		},
		finalReply: "You told me you like oolong tea.",
	}
	mem := &memory.MockGateway{
		SearchFn: func(ctx context.Context, userID, query string, filter *memory.SearchFilter) ([]memory.Memory, error) {
			if userID != "u1" || query != "tea" {
				t.Errorf("search got userID=%q query=%q", userID, query)
			}
			if filter != nil {
				t.Error("no date range given, filter must be nil")
			}
			return []memory.Memory{{ID: "m1", Text: "Likes tea"}}, nil
		},
		AddFn: func(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]memory.Event, error) {
			if metadata["memory_type"] != "preference" {
				t.Errorf("metadata = %v", metadata)
			}
			return []memory.Event{
				{ID: "m2", Text: "Likes oolong", Event: memory.EventAdd},
				{ID: "m1", Event: memory.EventDelete},
			}, nil
		},
	}
	o := NewOrchestrator(g, mem)

	result := o.Converse(context.Background(), ConversationRequest{MemoryUserID: "u1", Query: "what tea do I like?"})
	if result.Degraded {
		t.Fatal("unexpected degrade")
	}
	if result.Reply != "You told me you like oolong tea." {
		t.Errorf("reply = %q", result.Reply)
	}
	// Exactly one round with tools, one without.
	if g.toolCallCount != 1 || g.plainCount != 1 {
		t.Errorf("rounds: tools=%d plain=%d, want 1/1", g.toolCallCount, g.plainCount)
	}
	if len(result.MemoriesRetrieved) != 1 || result.MemoriesRetrieved[0].ID != "m1" {
		t.Errorf("retrieved = %+v", result.MemoriesRetrieved)
	}
	// Event order from the service is preserved.
	if len(result.MemoryEvents) != 2 ||
		result.MemoryEvents[0].Event != memory.EventAdd ||
		result.MemoryEvents[1].Event != memory.EventDelete {
		t.Errorf("events = %+v", result.MemoryEvents)
	}
	if len(result.ToolCallsUsed) != 2 || result.ToolCallsUsed[0] != "get_memory" || result.ToolCallsUsed[1] != "store_memory" {
		t.Errorf("tool log = %v", result.ToolCallsUsed)
	}
	// Second round sees system + user + assistant + two tool messages.
	if len(g.lastMessages) != 5 {
		t.Errorf("second round message count = %d, want 5", len(g.lastMessages))
	}
}

func TestConverseGetMemoryWithDateRange(t *testing.T) {
	var captured *memory.SearchFilter
	g := &mockGenAI{
		toolResp: &genai.ToolCallResponse{
			ToolCalls: []models.ToolCall{
				toolCall("call_1", "get_memory", `{"search_query":"meetings","start_date":"2025-01-10","end_date":"2025-01-12"}`),
			},
		},
		finalReply: "Here is what happened.",
	}
	mem := &memory.MockGateway{
		SearchFn: func(ctx context.Context, userID, query string, filter *memory.SearchFilter) ([]memory.Memory, error) {
			captured = filter
			return nil, nil
		},
	}
	o := NewOrchestrator(g, mem)

	result := o.Converse(context.Background(), ConversationRequest{
		MemoryUserID: "u1",
		Timezone:     "Asia/Kolkata",
		Query:        "what did I do last week?",
	})
	if result.Degraded {
		t.Fatal("unexpected degrade")
	}
	if captured == nil || captured.Start == nil || captured.End == nil {
		t.Fatalf("filter not forwarded: %+v", captured)
	}
	wantStart := time.Date(2025, 1, 9, 18, 30, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 1, 12, 18, 30, 0, 0, time.UTC)
	if !captured.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", captured.Start, wantStart)
	}
	if !captured.End.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", captured.End, wantEnd)
	}
}

func TestConverseDegradesOnFirstRoundError(t *testing.T) {
	g := &mockGenAI{toolErr: errors.New("rate limited")}
	o := NewOrchestrator(g, &memory.MockGateway{})

	result := o.Converse(context.Background(), ConversationRequest{MemoryUserID: "u1", Query: "hi"})
	if !result.Degraded {
		t.Fatal("expected degrade")
	}
	if result.Reply != ErrorReply {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestConverseDegradesOnSecondRoundError(t *testing.T) {
	g := &mockGenAI{
		toolResp: &genai.ToolCallResponse{
			ToolCalls: []models.ToolCall{
				toolCall("call_1", "store_memory", `{"memory_content":"x"}`),
			},
		},
		finalErr: errors.New("rate limited"),
	}
	mem := &memory.MockGateway{
		AddFn: func(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]memory.Event, error) {
			return []memory.Event{{ID: "m1", Text: "x", Event: memory.EventAdd}}, nil
		},
	}
	o := NewOrchestrator(g, mem)

	result := o.Converse(context.Background(), ConversationRequest{MemoryUserID: "u1", Query: "remember x"})
	if !result.Degraded || result.Reply != ErrorReply {
		t.Fatalf("expected degraded apology, got %+v", result)
	}
	// A degraded turn must not surface deltas for application.
	if len(result.MemoryEvents) != 0 {
		t.Errorf("degraded turn leaked events: %+v", result.MemoryEvents)
	}
}

func TestConverseToolFailureReportedToModel(t *testing.T) {
	g := &mockGenAI{
		toolResp: &genai.ToolCallResponse{
			ToolCalls: []models.ToolCall{
				toolCall("call_1", "get_memory", `{"search_query":"x"}`),
			},
		},
		finalReply: "Sorry, I could not check my memory right now.",
	}
	mem := &memory.MockGateway{
		SearchFn: func(ctx context.Context, userID, query string, filter *memory.SearchFilter) ([]memory.Memory, error) {
			return nil, errors.New("memory service down")
		},
	}
	o := NewOrchestrator(g, mem)

	result := o.Converse(context.Background(), ConversationRequest{MemoryUserID: "u1", Query: "x"})
	// A failed tool degrades the answer quality, not the turn.
	if result.Degraded {
		t.Fatal("tool failure must not degrade the whole turn")
	}
	if g.plainCount != 1 {
		t.Errorf("second round not reached: plain=%d", g.plainCount)
	}
}

func TestTranslateDateRange(t *testing.T) {
	start, end, err := TranslateDateRange("Asia/Kolkata", "2025-01-10", "2025-01-12")
	if err != nil {
		t.Fatalf("TranslateDateRange failed: %v", err)
	}
	if !start.Equal(time.Date(2025, 1, 9, 18, 30, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	// End is exclusive: start of Jan 13 local time.
	if !end.Equal(time.Date(2025, 1, 12, 18, 30, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}

	// Unknown timezone falls back to UTC.
	start, end, err = TranslateDateRange("Not/AZone", "2025-02-01", "2025-02-01")
	if err != nil {
		t.Fatalf("TranslateDateRange failed: %v", err)
	}
	if !start.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("UTC fallback wrong: %v .. %v", start, end)
	}

	if _, _, err := TranslateDateRange("", "2025-02-02", "2025-02-01"); err == nil {
		t.Error("expected error when end precedes start")
	}
	if _, _, err := TranslateDateRange("", "02/01/2025", "2025-02-01"); err == nil {
		t.Error("expected error for malformed date")
	}
}
