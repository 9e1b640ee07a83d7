package memory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for missing or expired entries.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalidEntry is returned when an entry fails validation.
	ErrInvalidEntry = errors.New("invalid memory entry")
	// ErrMemoryStore wraps backing store failures.
	ErrMemoryStore = errors.New("memory store failure")
)

// Query filters a Search. Empty fields do not filter.
type Query struct {
	AgentID string
	Text    string
	Type    Type
	Tags    []string
	Limit   int
}

// Handler is the storage contract for memory entries.
type Handler interface {
	Store(ctx context.Context, e *Entry) (string, error)
	Retrieve(ctx context.Context, id string) (*Entry, error)
	Search(ctx context.Context, q Query) ([]*Entry, error)
	Delete(ctx context.Context, id string) (bool, error)
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context, agentID string) (*Stats, error)
}
