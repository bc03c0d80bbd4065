package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// AppendMessage inserts a new message at the end of the conversation's dense
// position sequence and advances the conversation's updated_at, all inside
// one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	m := Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      nowMillis(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		var maxPos sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxPos); err != nil {
			return err
		}
		m.Position = 0
		if maxPos.Valid {
			m.Position = int(maxPos.Int64) + 1
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, position, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, string(m.Role), m.Content, m.Position, m.CreatedAt); err != nil {
			return err
		}

		return touchConversation(ctx, tx, conversationID, content)
	})
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// UpdateMessageContent overwrites a message's content and refreshes the
// conversation's FTS body rollup and updated_at, used once a streamed
// assistant message's final text is known.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&conversationID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id); err != nil {
			return err
		}
		return touchConversation(ctx, tx, conversationID, content)
	})
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

// ListMessages returns every message in a conversation in position order,
// each hydrated with its tool-call records and attachments.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, position, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	byID := make(map[string]*Message)
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range messages {
		byID[messages[i].ID] = &messages[i]
	}

	if len(messages) == 0 {
		return messages, nil
	}

	toolCalls, err := s.listToolCallsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, tc := range toolCalls {
		if m, ok := byID[tc.MessageID]; ok {
			m.ToolCalls = append(m.ToolCalls, tc)
		}
	}

	attachments, err := s.listAttachmentsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if m, ok := byID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}

	return messages, nil
}

// GetMessage loads a single message by id, without hydrating tool calls or
// attachments.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, position, created_at FROM messages WHERE id = ?`, id)
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Position, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	m.Role = Role(role)
	return m, nil
}
