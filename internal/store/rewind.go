package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FileReverter undoes on-disk file changes made by tool calls being
// discarded by a Rewind. Two implementations are provided by the caller
// (internal/revert): a git-based reverter for work directories inside a git
// worktree, and a shadow-copy reverter backed by per-tool-call snapshots
// everywhere else. See SPEC_FULL.md §9.2 for the selection rule.
type FileReverter interface {
	// Revert undoes the file-system effects of the given tool-call ids,
	// returning the subset it could not safely revert.
	Revert(ctx context.Context, toolCallIDs []string) (skipped []string, err error)
}

// RewindOptions controls Rewind.
type RewindOptions struct {
	// UndoFiles, when set, asks Reverter to revert file changes made by
	// the tool calls attached to the discarded messages.
	UndoFiles bool
	Reverter  FileReverter
}

// RewindResult reports what Rewind did.
type RewindResult struct {
	DeletedMessages  int
	DeletedToolCalls []string
	SkippedFiles     []string
}

// Rewind deletes every message with position > toPosition in one
// transaction (tool-call and attachment rows cascade), then, if requested,
// asks a FileReverter to undo the file-system side effects of the deleted
// range's tool calls.
func (s *Store) Rewind(ctx context.Context, conversationID string, toPosition int, opts RewindOptions) (RewindResult, error) {
	var result RewindResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT tc.id FROM tool_calls tc
			JOIN messages m ON m.id = tc.message_id
			WHERE m.conversation_id = ? AND m.position > ?`, conversationID, toPosition)
		if err != nil {
			return err
		}
		var toolCallIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			toolCallIDs = append(toolCallIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		result.DeletedToolCalls = toolCallIDs

		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND position > ?`, conversationID, toPosition)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.DeletedMessages = int(n)

		return touchConversation(ctx, tx, conversationID, "")
	})
	if err != nil {
		return RewindResult{}, fmt.Errorf("rewind: %w", err)
	}

	if opts.UndoFiles && opts.Reverter != nil && len(result.DeletedToolCalls) > 0 {
		skipped, err := opts.Reverter.Revert(ctx, result.DeletedToolCalls)
		if err != nil {
			return result, fmt.Errorf("rewind: revert files: %w", err)
		}
		result.SkippedFiles = skipped
	}

	return result, nil
}
