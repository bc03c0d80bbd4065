package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// AllowedMimeTypes is the closed set of mime types SaveAttachment accepts.
var AllowedMimeTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"application/json": true,
}

// MaxAttachmentSize is the hard cap on an attachment's size in bytes (10MB).
const MaxAttachmentSize = 10 * 1024 * 1024

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = filenameSanitizer.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == ".." {
		base = "attachment"
	}
	return base
}

// AttachmentRoot returns the directory under dataRoot holding every
// conversation's attachment subdirectories.
func AttachmentRoot(dataRoot string) string {
	return filepath.Join(dataRoot, "attachments")
}

// AttachmentDir returns the directory holding one conversation's attachments.
func AttachmentDir(dataRoot, conversationID string) string {
	return filepath.Join(AttachmentRoot(dataRoot), conversationID)
}

// SaveAttachment validates and records an attachment. It returns the
// sanitised, caller-relative storage path (relative to dataRoot) the caller
// must write the bytes to; SaveAttachment itself only manages the row, not
// the file bytes, leaving the actual write to whichever layer has the data
// (the store has no opinion on streaming vs. buffered writes).
func (s *Store) SaveAttachment(ctx context.Context, dataRoot, messageID, filename, mimeType string, size int64) (Attachment, error) {
	if !AllowedMimeTypes[mimeType] {
		return Attachment{}, fmt.Errorf("%w: mime type %q not allowed", ErrValidation, mimeType)
	}
	if size > MaxAttachmentSize {
		return Attachment{}, fmt.Errorf("%w: attachment of %d bytes exceeds max %d", ErrValidation, size, MaxAttachmentSize)
	}

	safeName := sanitizeFilename(filename)
	id := ulid.Make().String()

	a := Attachment{
		ID:        id,
		MessageID: messageID,
		Filename:  safeName,
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: nowMillis(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&conversationID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		relPath := filepath.Join("attachments", conversationID, id+"_"+safeName)

		// Resolve and double-check containment before ever touching the
		// database: storage_path must never be able to escape the attachment root.
		absRoot, err := filepath.Abs(AttachmentRoot(dataRoot))
		if err != nil {
			return fmt.Errorf("resolve attachment root: %w", err)
		}
		absPath, err := filepath.Abs(filepath.Join(dataRoot, relPath))
		if err != nil {
			return fmt.Errorf("resolve attachment path: %w", err)
		}
		if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return fmt.Errorf("%w: attachment path escapes attachment root", ErrValidation)
		}
		a.StoragePath = relPath

		_, err = tx.ExecContext(ctx,
			`INSERT INTO attachments (id, message_id, filename, mime_type, size, storage_path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.Filename, a.MimeType, a.Size, a.StoragePath, a.CreatedAt)
		return err
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("save attachment: %w", err)
	}
	return a, nil
}

func (s *Store) listAttachmentsForConversation(ctx context.Context, conversationID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.message_id, a.filename, a.mime_type, a.size, a.storage_path, a.created_at
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ?
		ORDER BY a.created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.Size, &a.StoragePath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
