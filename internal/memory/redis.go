package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit = 10
	searchPageSize     = 64
	maxWatchRetries    = 5
	scanBatch          = 100
)

// RedisOptions configures a RedisHandler.
type RedisOptions struct {
	// TTL applied to every entry; zero stores without expiry.
	TTL time.Duration
	// MaxEntriesPerAgent is the per-agent ceiling; zero disables it.
	MaxEntriesPerAgent int
	// KeyPrefix namespaces every key, e.g. "nuka:".
	KeyPrefix string
}

// RedisHandler stores entries as JSON strings with a TTL and keeps three
// sorted-set indices (by agent, by type, by tag) scored by creation time.
type RedisHandler struct {
	rdb    *redis.Client
	opts   RedisOptions
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRedisHandler creates a memory handler on an existing client.
func NewRedisHandler(rdb *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisHandler {
	return &RedisHandler{
		rdb:    rdb,
		opts:   opts,
		logger: logger.Named("memory"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (h *RedisHandler) memoryKey(id string) string    { return h.opts.KeyPrefix + "memory:" + id }
func (h *RedisHandler) agentKey(agentID string) string { return h.opts.KeyPrefix + "agent_memories:" + agentID }
func (h *RedisHandler) typeKey(t Type) string          { return h.opts.KeyPrefix + "type_memories:" + string(t) }
func (h *RedisHandler) tagKey(tag string) string       { return h.opts.KeyPrefix + "tag_memories:" + tag }

// lockAgent serialises index mutations for one agent.
func (h *RedisHandler) lockAgent(agentID string) func() {
	h.locksMu.Lock()
	mu, ok := h.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		h.locks[agentID] = mu
	}
	h.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Store writes the entry and its index references atomically, then evicts
// the agent's oldest entries beyond the ceiling.
func (h *RedisHandler) Store(ctx context.Context, e *Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	stored := *e
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	stored.AccessCount = 0
	stored.LastAccessedAt = nil

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrInvalidEntry, stored.ID, err)
	}

	unlock := h.lockAgent(stored.AgentID)
	defer unlock()

	z := redis.Z{Score: score(stored.CreatedAt), Member: stored.ID}
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, h.memoryKey(stored.ID), data, h.opts.TTL)
		pipe.ZAdd(ctx, h.agentKey(stored.AgentID), z)
		pipe.ZAdd(ctx, h.typeKey(stored.Type), z)
		for _, tag := range stored.Tags {
			pipe.ZAdd(ctx, h.tagKey(tag), z)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: store %s: %v", ErrMemoryStore, stored.ID, err)
	}

	if err := h.enforceLimit(ctx, stored.AgentID); err != nil {
		h.logger.Warn("enforce memory ceiling failed", zap.String("agent", stored.AgentID), zap.Error(err))
	}

	e.ID = stored.ID
	e.CreatedAt = stored.CreatedAt
	h.logger.Debug("memory stored",
		zap.String("id", stored.ID),
		zap.String("agent", stored.AgentID),
		zap.String("type", string(stored.Type)))
	return stored.ID, nil
}

// enforceLimit must be called with the agent lock held.
func (h *RedisHandler) enforceLimit(ctx context.Context, agentID string) error {
	if h.opts.MaxEntriesPerAgent <= 0 {
		return nil
	}
	count, err := h.rdb.ZCard(ctx, h.agentKey(agentID)).Result()
	if err != nil {
		return err
	}
	excess := count - int64(h.opts.MaxEntriesPerAgent)
	if excess <= 0 {
		return nil
	}
	oldest, err := h.rdb.ZRange(ctx, h.agentKey(agentID), 0, excess-1).Result()
	if err != nil {
		return err
	}
	if err := h.removeLocked(ctx, agentID, oldest); err != nil {
		return err
	}
	h.logger.Debug("evicted oldest memories", zap.String("agent", agentID), zap.Int("count", len(oldest)))
	return nil
}

// removeLocked deletes entries and every index reference to them. Entries
// whose value has already expired only lose their owner-index reference.
func (h *RedisHandler) removeLocked(ctx context.Context, agentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = h.memoryKey(id)
	}
	vals, err := h.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			pipe.Del(ctx, keys[i])
			pipe.ZRem(ctx, h.agentKey(agentID), id)
			e, ok := decodeValue(vals[i])
			if !ok {
				continue
			}
			pipe.ZRem(ctx, h.typeKey(e.Type), id)
			for _, tag := range e.Tags {
				pipe.ZRem(ctx, h.tagKey(tag), id)
			}
		}
		return nil
	})
	return err
}

func decodeValue(v any) (*Entry, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Retrieve returns the entry and records the access without touching its
// remaining TTL.
func (h *RedisHandler) Retrieve(ctx context.Context, id string) (*Entry, error) {
	key := h.memoryKey(id)
	var entry *Entry

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode memory %s: %w", id, err)
		}
		now := time.Now().UTC()
		e.AccessCount++
		e.LastAccessedAt = &now
		updated, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err == nil {
			entry = &e
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := h.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, fmt.Errorf("%w: retrieve %s: %v", ErrMemoryStore, id, err)
		}
	}
	return nil, fmt.Errorf("%w: retrieve %s: too much contention", ErrMemoryStore, id)
}

// Search walks the narrowest index newest-first, keeps the first Limit
// entries passing every filter and ranks them by importance then recency.
// Older entries beyond the first Limit matches are never considered, so a
// highly important old entry can lose to newer ones.
func (h *RedisHandler) Search(ctx context.Context, q Query) ([]*Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var index string
	switch {
	case q.AgentID != "":
		index = h.agentKey(q.AgentID)
	case q.Type != "":
		index = h.typeKey(q.Type)
	case len(q.Tags) > 0:
		if len(q.Tags) == 1 {
			index = h.tagKey(q.Tags[0])
			break
		}
		return nil, fmt.Errorf("%w: multi-tag search needs an agent or type", ErrInvalidEntry)
	default:
		return nil, fmt.Errorf("%w: search needs an agent, type or tag", ErrInvalidEntry)
	}

	needle := strings.ToLower(q.Text)
	var out []*Entry
	for start := int64(0); len(out) < limit; start += searchPageSize {
		ids, err := h.rdb.ZRevRange(ctx, index, start, start+searchPageSize-1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: search index %s: %v", ErrMemoryStore, index, err)
		}
		if len(ids) == 0 {
			break
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = h.memoryKey(id)
		}
		vals, err := h.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: search fetch: %v", ErrMemoryStore, err)
		}
		for _, v := range vals {
			e, ok := decodeValue(v)
			if !ok || !matches(e, q, needle) {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
		if len(ids) < searchPageSize {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func matches(e *Entry, q Query, needle string) bool {
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if len(q.Tags) > 0 && !e.hasAnyTag(q.Tags) {
		return false
	}
	if needle != "" && !strings.Contains(strings.ToLower(contentText(e.Content)), needle) {
		return false
	}
	return true
}

// contentText renders content for text matching.
func contentText(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprint(content)
	}
	return string(data)
}

// Delete removes the entry and its index references. It reports false when
// the entry does not exist.
func (h *RedisHandler) Delete(ctx context.Context, id string) (bool, error) {
	data, err := h.rdb.Get(ctx, h.memoryKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %v", ErrMemoryStore, id, err)
	}
	e, ok := decodeValue(data)
	if !ok {
		return false, fmt.Errorf("%w: delete %s: undecodable entry", ErrMemoryStore, id)
	}

	unlock := h.lockAgent(e.AgentID)
	defer unlock()
	if err := h.removeLocked(ctx, e.AgentID, []string{id}); err != nil {
		return false, fmt.Errorf("%w: delete %s: %v", ErrMemoryStore, id, err)
	}
	h.logger.Debug("memory deleted", zap.String("id", id), zap.String("agent", e.AgentID))
	return true, nil
}

// CleanupExpired drops index references whose entry has expired. It returns
// the number of owner-index references removed; type and tag indices are
// pruned as well but not counted.
func (h *RedisHandler) CleanupExpired(ctx context.Context) (int, error) {
	agentPrefix := h.agentKey("")
	removed := 0
	err := h.scanIndices(ctx, agentPrefix+"*", func(key string) error {
		agentID := strings.TrimPrefix(key, agentPrefix)
		unlock := h.lockAgent(agentID)
		n, err := h.pruneIndex(ctx, key)
		unlock()
		removed += n
		return err
	})
	if err != nil {
		return removed, err
	}
	for _, pattern := range []string{h.typeKey("") + "*", h.tagKey("") + "*"} {
		err := h.scanIndices(ctx, pattern, func(key string) error {
			_, err := h.pruneIndex(ctx, key)
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		h.logger.Info("expired memory references cleaned", zap.Int("removed", removed))
	}
	return removed, nil
}

func (h *RedisHandler) scanIndices(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := h.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("%w: scan %s: %v", ErrMemoryStore, pattern, err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// pruneIndex removes members of a sorted set whose primary key is gone.
func (h *RedisHandler) pruneIndex(ctx context.Context, index string) (int, error) {
	ids, err := h.rdb.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: read index %s: %v", ErrMemoryStore, index, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := h.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, h.memoryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: check index %s: %v", ErrMemoryStore, index, err)
	}
	var stale []any
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := h.rdb.ZRem(ctx, index, stale...).Err(); err != nil {
		return 0, fmt.Errorf("%w: prune index %s: %v", ErrMemoryStore, index, err)
	}
	return len(stale), nil
}

// Stats counts an agent's live entries by type.
func (h *RedisHandler) Stats(ctx context.Context, agentID string) (*Stats, error) {
	ids, err := h.rdb.ZRange(ctx, h.agentKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: stats %s: %v", ErrMemoryStore, agentID, err)
	}
	st := &Stats{
		AgentID:    agentID,
		ByType:     make(map[Type]int),
		MaxEntries: h.opts.MaxEntriesPerAgent,
		TTL:        h.opts.TTL.String(),
	}
	for start := 0; start < len(ids); start += searchPageSize {
		end := min(start+searchPageSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, h.memoryKey(id))
		}
		vals, err := h.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: stats %s: %v", ErrMemoryStore, agentID, err)
		}
		for _, v := range vals {
			if e, ok := decodeValue(v); ok {
				st.Total++
				st.ByType[e.Type]++
			}
		}
	}
	return st, nil
}
