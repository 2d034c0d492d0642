// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolName identifies a tool available to the LLM.
type ToolName string

const (
	// ToolNameGetMemory retrieves relevant memories for the current query.
	ToolNameGetMemory ToolName = "get_memory"
	// ToolNameStoreMemory persists a new fact shared by the user.
	ToolNameStoreMemory ToolName = "store_memory"
)

// MemoryType tags a stored memory with its category.
type MemoryType string

const (
	MemoryTypePreference     MemoryType = "preference"
	MemoryTypeDecision       MemoryType = "decision"
	MemoryTypeTaskCompletion MemoryType = "task_completion"
	MemoryTypeEntity         MemoryType = "entity"
	MemoryTypeFeedback       MemoryType = "feedback"
	MemoryTypeGeneralInfo    MemoryType = "general_info"
)

// IsValidMemoryType checks if the given memory type is supported.
func IsValidMemoryType(mt MemoryType) bool {
	switch mt {
	case MemoryTypePreference, MemoryTypeDecision, MemoryTypeTaskCompletion,
		MemoryTypeEntity, MemoryTypeFeedback, MemoryTypeGeneralInfo:
		return true
	default:
		return false
	}
}

// GetMemoryParams defines the parameters for the get_memory tool call.
type GetMemoryParams struct {
	SearchQuery string `json:"search_query"`         // Free-text search query
	StartDate   string `json:"start_date,omitempty"` // Calendar date in YYYY-MM-DD, user-local
	EndDate     string `json:"end_date,omitempty"`   // Calendar date in YYYY-MM-DD, user-local, inclusive
}

// Validate ensures the get_memory parameters are valid.
func (p *GetMemoryParams) Validate() error {
	if p.SearchQuery == "" {
		return fmt.Errorf("search_query is required")
	}
	if (p.StartDate == "") != (p.EndDate == "") {
		return fmt.Errorf("start_date and end_date must be provided together")
	}
	if p.StartDate != "" {
		if err := validateDateFormat(p.StartDate); err != nil {
			return fmt.Errorf("invalid start_date: %w", err)
		}
		if err := validateDateFormat(p.EndDate); err != nil {
			return fmt.Errorf("invalid end_date: %w", err)
		}
	}
	return nil
}

// StoreMemoryParams defines the parameters for the store_memory tool call.
type StoreMemoryParams struct {
	MemoryContent string     `json:"memory_content"`
	MemoryType    MemoryType `json:"memory_type"`
}

// Validate ensures the store_memory parameters are valid.
func (p *StoreMemoryParams) Validate() error {
	if p.MemoryContent == "" {
		return fmt.Errorf("memory_content is required")
	}
	if p.MemoryType == "" {
		p.MemoryType = MemoryTypeGeneralInfo
	}
	if !IsValidMemoryType(p.MemoryType) {
		return fmt.Errorf("invalid memory_type: %s", p.MemoryType)
	}
	return nil
}

// validateDateFormat validates that a date string is in YYYY-MM-DD format.
func validateDateFormat(dateStr string) error {
	if _, err := time.Parse("2006-01-02", dateStr); err != nil {
		return fmt.Errorf("date must be in YYYY-MM-DD format: %w", err)
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "get_memory")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// ParseGetMemoryParams parses the arguments as GetMemoryParams.
func (fc *FunctionCall) ParseGetMemoryParams() (*GetMemoryParams, error) {
	if fc.Name != string(ToolNameGetMemory) {
		return nil, fmt.Errorf("function name %s is not a get_memory function", fc.Name)
	}
	var params GetMemoryParams
	if err := json.Unmarshal(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse get_memory parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid get_memory parameters: %w", err)
	}
	return &params, nil
}

// ParseStoreMemoryParams parses the arguments as StoreMemoryParams.
func (fc *FunctionCall) ParseStoreMemoryParams() (*StoreMemoryParams, error) {
	if fc.Name != string(ToolNameStoreMemory) {
		return nil, fmt.Errorf("function name %s is not a store_memory function", fc.Name)
	}
	var params StoreMemoryParams
	if err := json.Unmarshal(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse store_memory parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store_memory parameters: %w", err)
	}
	return &params, nil
}
