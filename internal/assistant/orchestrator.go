// Package assistant implements the conversation orchestration and the ingest
// pipeline that turns inbound webhooks into replies.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/whatsy/whatsy/internal/genai"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
)

// ErrorReply is sent when the conversation cannot be completed.
const ErrorReply = "⚠️ Error while processing your request"

const systemPromptTemplate = `You are Whatsy, a personal WhatsApp assistant with long-term memory.
CURRENT_DATE (UTC): %s

You can remember facts the user shares and recall them later:
- Call get_memory when the user asks about something they may have told you before. Use start_date/end_date only when the user refers to a specific period, with calendar dates in the user's local timezone.
- Call store_memory when the user shares a fact worth remembering (preferences, decisions, completed tasks, people, feedback).

Answer concisely and conversationally, suitable for a WhatsApp chat. Base answers about the user on retrieved memories; if nothing relevant is found, say so instead of guessing.`

// HistoryEntry is one prior conversational turn, oldest first.
type HistoryEntry struct {
	UserMessage string
	BotResponse string
}

// ConversationRequest carries everything the orchestrator needs for one turn.
type ConversationRequest struct {
	MemoryUserID      string
	Timezone          string
	Query             string
	History           []HistoryEntry
	MediaDescriptions []string
}

// ConversationResult is the outcome of one orchestrated turn. MemoryEvents
// preserves the order the memory service reported its mutations in.
type ConversationResult struct {
	Reply             string
	MemoriesRetrieved []memory.Memory
	MemoryEvents      []memory.Event
	ToolCallsUsed     []string
	Degraded          bool
}

// Orchestrator runs the bounded two-round tool conversation.
type Orchestrator struct {
	genai  genai.ClientInterface
	memory memory.Gateway
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator over the given gateways.
func NewOrchestrator(g genai.ClientInterface, m memory.Gateway) *Orchestrator {
	return &Orchestrator{genai: g, memory: m, now: time.Now}
}

// Converse runs one conversational turn: a first completion round with the
// memory tools enabled, tool execution, and a second round without tools when
// any tool fired. It never returns an error; any gateway failure degrades to
// an apologetic reply.
func (o *Orchestrator) Converse(ctx context.Context, req ConversationRequest) *ConversationResult {
	result := &ConversationResult{}
	messages := o.buildMessages(req)

	first, err := o.genai.GenerateWithTools(ctx, messages, conversationTools())
	if err != nil {
		slog.Error("Orchestrator.Converse: first round failed", "error", err, "memoryUserID", req.MemoryUserID)
		return o.degrade(result)
	}

	if len(first.ToolCalls) == 0 {
		if first.Content == "" {
			slog.Error("Orchestrator.Converse: empty completion without tool calls", "memoryUserID", req.MemoryUserID)
			return o.degrade(result)
		}
		result.Reply = first.Content
		return result
	}

	messages = append(messages, assistantToolCallMessage(first))
	for _, tc := range first.ToolCalls {
		result.ToolCallsUsed = append(result.ToolCallsUsed, tc.Function.Name)
		output := o.executeToolCall(ctx, req, tc, result)
		messages = append(messages, openai.ToolMessage(output, tc.ID))
	}

	reply, err := o.genai.Generate(ctx, messages)
	if err != nil || reply == "" {
		slog.Error("Orchestrator.Converse: second round failed", "error", err, "memoryUserID", req.MemoryUserID)
		return o.degrade(result)
	}
	result.Reply = reply
	slog.Debug("Orchestrator.Converse: completed", "memoryUserID", req.MemoryUserID,
		"toolCalls", result.ToolCallsUsed,
		"memoriesRetrieved", len(result.MemoriesRetrieved),
		"memoryEvents", len(result.MemoryEvents))
	return result
}

func (o *Orchestrator) degrade(result *ConversationResult) *ConversationResult {
	result.Reply = ErrorReply
	result.Degraded = true
	// Deltas from a failed turn are not applied.
	result.MemoryEvents = nil
	return result
}

func (o *Orchestrator) buildMessages(req ConversationRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(systemPromptTemplate, o.now().UTC().Format("2006-01-02"))),
	}
	for _, h := range req.History {
		messages = append(messages, openai.UserMessage(h.UserMessage))
		messages = append(messages, openai.AssistantMessage(h.BotResponse))
	}
	var sb strings.Builder
	sb.WriteString(req.Query)
	for _, desc := range req.MediaDescriptions {
		sb.WriteString("\n[attachment] ")
		sb.WriteString(desc)
	}
	messages = append(messages, openai.UserMessage(sb.String()))
	return messages
}

// executeToolCall runs one tool call and returns the tool output passed back
// to the model. Tool failures are reported to the model as text rather than
// aborting the turn.
func (o *Orchestrator) executeToolCall(ctx context.Context, req ConversationRequest, tc models.ToolCall, result *ConversationResult) string {
	switch tc.Function.Name {
	case string(models.ToolNameGetMemory):
		return o.executeGetMemory(ctx, req, tc, result)
	case string(models.ToolNameStoreMemory):
		return o.executeStoreMemory(ctx, req, tc, result)
	default:
		slog.Error("Orchestrator.executeToolCall: unknown tool", "tool", tc.Function.Name)
		return fmt.Sprintf("Error: unknown tool %q", tc.Function.Name)
	}
}

func (o *Orchestrator) executeGetMemory(ctx context.Context, req ConversationRequest, tc models.ToolCall, result *ConversationResult) string {
	params, err := tc.Function.ParseGetMemoryParams()
	if err != nil {
		slog.Error("Orchestrator.executeGetMemory: invalid parameters", "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	var filter *memory.SearchFilter
	if params.StartDate != "" {
		start, end, err := TranslateDateRange(req.Timezone, params.StartDate, params.EndDate)
		if err != nil {
			slog.Error("Orchestrator.executeGetMemory: bad date range", "error", err)
			return fmt.Sprintf("Error: %v", err)
		}
		filter = &memory.SearchFilter{Start: &start, End: &end}
	}
	memories, err := o.memory.Search(ctx, req.MemoryUserID, params.SearchQuery, filter)
	if err != nil {
		slog.Error("Orchestrator.executeGetMemory: search failed", "error", err, "memoryUserID", req.MemoryUserID)
		return "Error: memory search is unavailable right now"
	}
	result.MemoriesRetrieved = append(result.MemoriesRetrieved, memories...)
	if len(memories) == 0 {
		return "No relevant memories found."
	}
	out, err := json.Marshal(memories)
	if err != nil {
		return "Error: could not serialize memories"
	}
	return string(out)
}

func (o *Orchestrator) executeStoreMemory(ctx context.Context, req ConversationRequest, tc models.ToolCall, result *ConversationResult) string {
	params, err := tc.Function.ParseStoreMemoryParams()
	if err != nil {
		slog.Error("Orchestrator.executeStoreMemory: invalid parameters", "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	events, err := o.memory.Add(ctx, req.MemoryUserID, params.MemoryContent, map[string]interface{}{
		"memory_type": string(params.MemoryType),
	})
	if err != nil {
		slog.Error("Orchestrator.executeStoreMemory: add failed", "error", err, "memoryUserID", req.MemoryUserID)
		return "Error: memory storage is unavailable right now"
	}
	result.MemoryEvents = append(result.MemoryEvents, events...)
	return fmt.Sprintf("Memory stored (%d change(s)).", len(events))
}

// TranslateDateRange converts user-local calendar dates to a half-open UTC
// interval. The end date is inclusive as a calendar date, so the interval
// extends to the start of the following local day.
func TranslateDateRange(timezone, startDate, endDate string) (time.Time, time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err == nil {
			loc = l
		} else {
			slog.Warn("TranslateDateRange: unknown timezone, falling back to UTC", "timezone", timezone)
		}
	}
	start, err := time.ParseInLocation("2006-01-02", startDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_date %q: %w", startDate, err)
	}
	end, err := time.ParseInLocation("2006-01-02", endDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end_date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date %q precedes start_date %q", endDate, startDate)
	}
	return start.UTC(), end.AddDate(0, 0, 1).UTC(), nil
}

// assistantToolCallMessage rebuilds the first-round assistant message so the
// tool outputs that follow are attributed to its tool calls.
func assistantToolCallMessage(resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if resp.Content != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(resp.Content)}
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}
