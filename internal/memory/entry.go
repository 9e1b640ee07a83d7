package memory

import (
	"fmt"
	"time"
)

// Type classifies a memory entry.
type Type string

const (
	Semantic   Type = "semantic"
	Episodic   Type = "episodic"
	Procedural Type = "procedural"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case Semantic, Episodic, Procedural:
		return true
	}
	return false
}

// Entry is one stored memory. Importance and CreatedAt never change after
// the entry is stored.
type Entry struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Content        any        `json:"content"`
	Type           Type       `json:"memory_type"`
	Tags           []string   `json:"tags"`
	Importance     float64    `json:"importance"`
	CreatedAt      time.Time  `json:"created_at"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

func (e *Entry) validate() error {
	if e.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidEntry)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidEntry, e.Type)
	}
	if e.Importance < 0 || e.Importance > 1 {
		return fmt.Errorf("%w: importance %.2f outside [0,1]", ErrInvalidEntry, e.Importance)
	}
	return nil
}

func (e *Entry) hasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Stats summarises one agent's stored memories.
type Stats struct {
	AgentID    string       `json:"agent_id"`
	Total      int64        `json:"total"`
	ByType     map[Type]int `json:"by_type"`
	MaxEntries int          `json:"max_entries"`
	TTL        string       `json:"ttl"`
}
