package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/store"
)

// maxAttachmentUploadMemory bounds the in-memory part of a multipart form
// parse; anything past this spills to a temp file (net/http's default
// ParseMultipartForm behavior).
const maxAttachmentUploadMemory = 32 << 20

// uploadAttachment handles POST /session/{sessionID}/message/{messageID}/attachment.
// The uploaded file is staged under a randomized temp name (so two
// concurrent uploads of the same original filename never collide) before
// being validated and recorded via internal/store.SaveAttachment.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.conversationDB == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "conversation store not configured")
		return
	}

	messageID := chi.URLParam(r, "messageID")
	storeMessageID, err := s.sessionService.GetProcessor().StoreMessageID(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}

	if err := r.ParseMultipartForm(maxAttachmentUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid multipart upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing file field")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	dataRoot := config.GetPaths().Data
	stagingDir := filepath.Join(store.AttachmentRoot(dataRoot), "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to prepare upload staging area")
		return
	}

	// Stage under a randomized name: concurrent uploads of files with the
	// same original name must never write over one another before
	// SaveAttachment has validated and assigned the final storage path.
	stagingName := uuid.New().String()
	stagingPath := filepath.Join(stagingDir, stagingName)
	staged, err := os.Create(stagingPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to stage upload")
		return
	}
	size, err := io.Copy(staged, file)
	staged.Close()
	if err != nil {
		os.Remove(stagingPath)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read upload")
		return
	}

	attachment, err := s.conversationDB.SaveAttachment(r.Context(), dataRoot, storeMessageID, header.Filename, mimeType, size)
	if err != nil {
		os.Remove(stagingPath)
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	finalPath := filepath.Join(dataRoot, attachment.StoragePath)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(stagingPath)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to persist upload")
		return
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		os.Remove(stagingPath)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, fmt.Sprintf("failed to persist upload: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, attachment)
}
