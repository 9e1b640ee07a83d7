package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-agents/internal/comm"
)

const defaultListLimit = 50

// RecordMessage appends msg to the journal. Re-recording the same message
// ID is a no-op.
func (s *Store) RecordMessage(ctx context.Context, msg *comm.Message) error {
	var payload []byte
	if len(msg.Payload) > 0 && json.Valid(msg.Payload) {
		payload = msg.Payload
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_journal (id, from_actor, to_actor, type, payload, correlation_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.FromActor, msg.ToActor, string(msg.Type), payload, msg.CorrelationID, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID, err)
	}
	return nil
}

// ListMessages returns up to limit journaled messages, newest first. A
// non-empty agentID keeps only messages it sent or received.
func (s *Store) ListMessages(ctx context.Context, agentID string, limit int) ([]*comm.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if agentID == "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, from_actor, to_actor, type, payload, correlation_id, sent_at
			FROM message_journal
			ORDER BY sent_at DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, from_actor, to_actor, type, payload, correlation_id, sent_at
			FROM message_journal
			WHERE from_actor = $1 OR to_actor = $1
			ORDER BY sent_at DESC
			LIMIT $2`, agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*comm.Message
	for rows.Next() {
		var (
			m           comm.Message
			typ         string
			payload     []byte
			correlation *uuid.UUID
		)
		if err := rows.Scan(&m.ID, &m.FromActor, &m.ToActor, &typ, &payload, &correlation, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = comm.MessageType(typ)
		m.Payload = payload
		m.CorrelationID = correlation
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
