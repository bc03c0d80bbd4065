package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// RecordToolCall persists a new pending tool-call record attached to an
// assistant message. id, when non-empty, is used verbatim (the provider's
// own correlator); otherwise a fresh ULID is assigned.
func (s *Store) RecordToolCall(ctx context.Context, id, messageID, toolName, providerName, inputJSON string) (ToolCall, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	tc := ToolCall{
		ID:           id,
		MessageID:    messageID,
		ToolName:     toolName,
		ProviderName: providerName,
		Input:        inputJSON,
		Status:       ToolCallPending,
		CreatedAt:    nowMillis(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tool_calls (id, message_id, tool_name, provider_name, input, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tc.ID, tc.MessageID, tc.ToolName, tc.ProviderName, tc.Input, string(tc.Status), tc.CreatedAt)
		return err
	})
	if err != nil {
		return ToolCall{}, fmt.Errorf("record tool call: %w", err)
	}
	return tc, nil
}

// CompleteToolCall transitions a pending tool call to success or error with
// its output. A repeated call with the identical status and output is
// idempotent (no-op success); a repeated call with a conflicting status or
// output is rejected with ErrConflict.
func (s *Store) CompleteToolCall(ctx context.Context, id string, status ToolCallStatus, output string) error {
	if status != ToolCallSuccess && status != ToolCallError {
		return fmt.Errorf("%w: complete tool call: status must be success or error", ErrValidation)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var curStatus string
		var curOutput sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, output FROM tool_calls WHERE id = ?`, id).Scan(&curStatus, &curOutput)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if curStatus != string(ToolCallPending) {
			if curStatus == string(status) && curOutput.Valid && curOutput.String == output {
				return nil // identical repeat completion: idempotent
			}
			return fmt.Errorf("%w: tool call %s already completed", ErrConflict, id)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tool_calls SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
			string(status), output, nowMillis(), id)
		return err
	})
}

func (s *Store) listToolCallsForConversation(ctx context.Context, conversationID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tc.id, tc.message_id, tc.tool_name, tc.provider_name, tc.input, tc.output, tc.status, tc.created_at, tc.completed_at
		FROM tool_calls tc
		JOIN messages m ON m.id = tc.message_id
		WHERE m.conversation_id = ?
		ORDER BY tc.created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var status string
		var output sql.NullString
		var completedAtInt sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.ToolName, &tc.ProviderName, &tc.Input, &output, &status, &tc.CreatedAt, &completedAtInt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Status = ToolCallStatus(status)
		if output.Valid {
			v := output.String
			tc.Output = &v
		}
		if completedAtInt.Valid {
			v := completedAtInt.Int64
			tc.CompletedAt = &v
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
