package assistant

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
	"github.com/whatsy/whatsy/internal/models"
)

// GetMemoryToolDefinition returns the OpenAI tool definition for retrieving
// memories relevant to the current query.
func GetMemoryToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolNameGetMemory),
			Description: openai.String("Retrieve stored memories about the user that are relevant to the current question. Use this whenever the user asks about something they may have told you before."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"search_query": map[string]interface{}{
						"type":        "string",
						"description": "Free-text query describing what to look for in the user's memories.",
					},
					"start_date": map[string]interface{}{
						"type":        "string",
						"description": "Optional start of a date range in YYYY-MM-DD, interpreted in the user's local timezone. Must be provided together with end_date.",
					},
					"end_date": map[string]interface{}{
						"type":        "string",
						"description": "Optional end of a date range in YYYY-MM-DD (inclusive), interpreted in the user's local timezone. Must be provided together with start_date.",
					},
				},
				"required": []string{"search_query"},
			},
		},
	}
}

// StoreMemoryToolDefinition returns the OpenAI tool definition for persisting
// a new fact the user shared.
func StoreMemoryToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolNameStoreMemory),
			Description: openai.String("Store a new fact the user shared about themselves, their preferences, decisions, tasks, people, or feedback, so it can be recalled in later conversations."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"memory_content": map[string]interface{}{
						"type":        "string",
						"description": "The fact to remember, phrased as a standalone statement.",
					},
					"memory_type": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"preference", "decision", "task_completion", "entity", "feedback", "general_info"},
						"description": "Category of the fact being stored.",
					},
				},
				"required": []string{"memory_content"},
			},
		},
	}
}

// conversationTools returns the tools enabled on the first completion round.
func conversationTools() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		GetMemoryToolDefinition(),
		StoreMemoryToolDefinition(),
	}
}
