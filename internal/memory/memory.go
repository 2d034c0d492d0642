// Package memory provides the long-term memory gateway for Whatsy.
//
// Memories live in an external mem0-compatible service; this package defines
// the gateway interface, the REST client, and a mock for tests.
package memory

import (
	"context"
	"time"
)

// Event types returned by the memory service when content is added.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Memory is a single fact held by the external memory service.
type Memory struct {
	ID        string                 `json:"id"`
	Text      string                 `json:"memory"`
	Score     float64                `json:"score,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at,omitempty"`
}

// Event is one mutation the memory service performed while absorbing new
// content. Adding a fact can consolidate or supersede existing facts, so a
// single Add may yield a mix of ADD, UPDATE and DELETE events.
type Event struct {
	ID    string `json:"id"`
	Text  string `json:"memory"`
	Event string `json:"event"`
}

// SearchFilter narrows a memory search. Time bounds are UTC instants; End is
// exclusive.
type SearchFilter struct {
	Start *time.Time
	End   *time.Time
}

// Gateway is the interface to the external memory service.
type Gateway interface {
	// Add absorbs new content for a user and returns the resulting events in
	// service order.
	Add(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]Event, error)

	// Search returns memories relevant to the query, optionally bounded by a
	// filter.
	Search(ctx context.Context, userID, query string, filter *SearchFilter) ([]Memory, error)

	// Update overwrites the text of an existing memory.
	Update(ctx context.Context, memoryID, text string) error

	// Delete removes a memory.
	Delete(ctx context.Context, memoryID string) error

	// GetAll lists every memory held for a user.
	GetAll(ctx context.Context, userID string) ([]Memory, error)
}

// MockGateway is a mock implementation of Gateway for testing.
type MockGateway struct {
	AddFn    func(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]Event, error)
	SearchFn func(ctx context.Context, userID, query string, filter *SearchFilter) ([]Memory, error)
	UpdateFn func(ctx context.Context, memoryID, text string) error
	DeleteFn func(ctx context.Context, memoryID string) error
	GetAllFn func(ctx context.Context, userID string) ([]Memory, error)

	// Recorded calls for assertions.
	AddCalls    []string
	SearchCalls []string
}

func (m *MockGateway) Add(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]Event, error) {
	m.AddCalls = append(m.AddCalls, content)
	if m.AddFn != nil {
		return m.AddFn(ctx, userID, content, metadata)
	}
	return nil, nil
}

func (m *MockGateway) Search(ctx context.Context, userID, query string, filter *SearchFilter) ([]Memory, error) {
	m.SearchCalls = append(m.SearchCalls, query)
	if m.SearchFn != nil {
		return m.SearchFn(ctx, userID, query, filter)
	}
	return nil, nil
}

func (m *MockGateway) Update(ctx context.Context, memoryID, text string) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, memoryID, text)
	}
	return nil
}

func (m *MockGateway) Delete(ctx context.Context, memoryID string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, memoryID)
	}
	return nil
}

func (m *MockGateway) GetAll(ctx context.Context, userID string) ([]Memory, error) {
	if m.GetAllFn != nil {
		return m.GetAllFn(ctx, userID)
	}
	return nil, nil
}
