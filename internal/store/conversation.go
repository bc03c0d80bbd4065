package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// CreateConversation inserts a new conversation row with the given title
// (an empty title falls back to "New Conversation") and returns it.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = "New Conversation"
	}
	c := Conversation{
		ID:        ulid.Make().String(),
		Title:     title,
		CreatedAt: nowMillis(),
	}
	c.UpdatedAt = c.CreatedAt

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			c.ID, c.Title, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversations_fts (conversation_id, title, body) VALUES (?, ?, '')`,
			c.ID, c.Title)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation loads a single conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversationsOptions controls ListConversations.
type ListConversationsOptions struct {
	Search string
	Limit  int
	Offset int
}

// ListConversations returns conversation summaries. When Search is set,
// results are those whose title or message bodies match the FTS5 index;
// the query text is always wrapped as a literal quoted phrase so user input
// can never be interpreted as FTS5 query syntax (AND/OR/NOT/column filters).
// Otherwise results are ordered by updated_at descending.
func (s *Store) ListConversations(ctx context.Context, opts ListConversationsOptions) ([]ConversationSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if strings.TrimSpace(opts.Search) != "" {
		query := sanitizeFTSQuery(opts.Search)
		rows, err = s.db.QueryContext(ctx, `
			SELECT c.id, c.title, c.created_at, c.updated_at,
			       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
			FROM conversations c
			JOIN (
				SELECT DISTINCT conversation_id FROM conversations_fts WHERE conversations_fts MATCH ?
			) matched ON matched.conversation_id = c.id
			ORDER BY c.updated_at DESC
			LIMIT ? OFFSET ?`, query, limit, opts.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT c.id, c.title, c.created_at, c.updated_at,
			       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
			FROM conversations c
			ORDER BY c.updated_at DESC
			LIMIT ? OFFSET ?`, limit, opts.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.CreatedAt, &cs.UpdatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// sanitizeFTSQuery wraps an arbitrary search string as a single quoted FTS5
// phrase, doubling any embedded quote characters, so FTS5 operators in user
// input are treated as literal text rather than query syntax.
func sanitizeFTSQuery(q string) string {
	escaped := strings.ReplaceAll(q, `"`, `""`)
	return `"` + escaped + `"`
}

// UpdateConversationTitle renames a conversation and keeps the FTS index in
// sync, without disturbing updated_at (title changes are not content changes).
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations_fts SET title = ? WHERE conversation_id = ?`, title, id)
		return err
	})
}

// DeleteConversation removes a conversation and, via ON DELETE CASCADE, its
// messages, tool-call records, and attachment rows. The caller is
// responsible for removing the attachment directory on disk (see
// internal/store/attachment.go's AttachmentDir helper).
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations_fts WHERE conversation_id = ?`, id)
		return err
	})
}

// touchConversation advances updated_at and refreshes the FTS body rollup;
// called from AppendMessage inside the same transaction.
func touchConversation(ctx context.Context, tx *sql.Tx, conversationID string, appendedBody string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, nowMillis(), conversationID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE conversations_fts SET body = body || ' ' || ? WHERE conversation_id = ?`,
		appendedBody, conversationID)
	return err
}
