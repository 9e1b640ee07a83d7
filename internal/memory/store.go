package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const exportLimit = 10000

// Store is the per-agent facade over a Handler. Writes surface errors; read
// paths log failures and return empty results so callers can carry on
// without memory.
type Store struct {
	handler Handler
	agentID string
	logger  *zap.Logger
}

// NewStore binds a Handler to one agent.
func NewStore(handler Handler, agentID string, logger *zap.Logger) *Store {
	return &Store{
		handler: handler,
		agentID: agentID,
		logger:  logger.With(zap.String("agent", agentID)),
	}
}

// AgentID returns the owning agent.
func (s *Store) AgentID() string { return s.agentID }

// Remember stores content for this agent and returns the entry ID.
func (s *Store) Remember(ctx context.Context, content any, typ Type, tags []string, importance float64) (string, error) {
	id, err := s.handler.Store(ctx, &Entry{
		AgentID:    s.agentID,
		Content:    content,
		Type:       typ,
		Tags:       tags,
		Importance: importance,
	})
	if err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}
	return id, nil
}

// RememberFact stores a semantic fact, tagged with its source when known.
func (s *Store) RememberFact(ctx context.Context, fact, source string) (string, error) {
	content := map[string]string{"fact": fact}
	tags := []string{"fact", "knowledge"}
	if source != "" {
		content["source"] = source
		tags = append(tags, source)
	}
	return s.Remember(ctx, content, Semantic, tags, 0.8)
}

// RememberConversation stores one exchange as an episodic memory.
func (s *Store) RememberConversation(ctx context.Context, prompt, response, contextTag string) (string, error) {
	content := map[string]string{"prompt": prompt, "response": response}
	tags := []string{"conversation"}
	if contextTag != "" {
		tags = append(tags, contextTag)
	}
	return s.Remember(ctx, content, Episodic, tags, 0.7)
}

// RememberProcedure stores an ordered list of steps for a named procedure.
func (s *Store) RememberProcedure(ctx context.Context, name string, steps []string, contextTag string) (string, error) {
	content := map[string]any{"procedure": name, "steps": steps}
	tags := []string{"procedure", "process", "how-to"}
	if contextTag != "" {
		tags = append(tags, contextTag)
	}
	return s.Remember(ctx, content, Procedural, tags, 0.9)
}

// Recall fetches an entry by ID, counting the access. Missing entries yield nil.
func (s *Store) Recall(ctx context.Context, id string) *Entry {
	e, err := s.handler.Retrieve(ctx, id)
	if err != nil {
		s.logger.Debug("recall failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	return e
}

// Search runs q scoped to this agent.
func (s *Store) Search(ctx context.Context, q Query) []*Entry {
	q.AgentID = s.agentID
	entries, err := s.handler.Search(ctx, q)
	if err != nil {
		s.logger.Warn("memory search failed", zap.Error(err))
		return nil
	}
	return entries
}

// Recent returns up to limit entries, optionally of one type.
func (s *Store) Recent(ctx context.Context, typ Type, limit int) []*Entry {
	return s.Search(ctx, Query{Type: typ, Limit: limit})
}

// Important returns entries whose importance is at least min.
func (s *Store) Important(ctx context.Context, min float64, limit int) []*Entry {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	candidates := s.Search(ctx, Query{Limit: limit * 2})
	out := make([]*Entry, 0, limit)
	for _, e := range candidates {
		if e.Importance >= min {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// ByTag returns entries carrying any of tags.
func (s *Store) ByTag(ctx context.Context, tags []string, limit int) []*Entry {
	return s.Search(ctx, Query{Tags: tags, Limit: limit})
}

// Forget deletes an entry.
func (s *Store) Forget(ctx context.Context, id string) bool {
	ok, err := s.handler.Delete(ctx, id)
	if err != nil {
		s.logger.Warn("forget failed", zap.String("id", id), zap.Error(err))
		return false
	}
	return ok
}

// Stats summarises this agent's memories.
func (s *Store) Stats(ctx context.Context) *Stats {
	st, err := s.handler.Stats(ctx, s.agentID)
	if err != nil {
		s.logger.Warn("memory stats failed", zap.Error(err))
		return &Stats{AgentID: s.agentID, ByType: map[Type]int{}}
	}
	return st
}

// Cleanup prunes expired index references across all agents.
func (s *Store) Cleanup(ctx context.Context) int {
	n, err := s.handler.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("memory cleanup failed", zap.Error(err))
	}
	return n
}

// Export returns this agent's live entries.
func (s *Store) Export(ctx context.Context) []*Entry {
	return s.Search(ctx, Query{Limit: exportLimit})
}

// Import re-stores entries under this agent with fresh IDs and timestamps,
// keeping content, type, tags and importance. It returns how many were stored.
func (s *Store) Import(ctx context.Context, entries []*Entry) int {
	imported := 0
	for _, e := range entries {
		if _, err := s.Remember(ctx, e.Content, e.Type, e.Tags, e.Importance); err != nil {
			s.logger.Warn("import entry failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		imported++
	}
	s.logger.Info("memories imported", zap.Int("imported", imported), zap.Int("total", len(entries)))
	return imported
}

