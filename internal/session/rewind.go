package session

import (
	"context"
	"fmt"

	"github.com/parlorhq/parlor/internal/store"
)

// storeConversationKVKey and storeMessageKVKey are internal/storage scratch
// keys that map this package's KV session/message ids onto the ids the
// relational store (internal/store) assigned the same entities. The KV
// store remains the system of record for everything the front-ends already
// speak (pkg/types.Session/Message/Part); these mappings only exist so an
// admin operation expressed in KV ids (Service.Revert) can reach the
// relational row it needs to rewind.
const (
	storeConversationKVKey = "store_conversation"
	storeMessageKVKey      = "store_message"
)

// ensureStoreConversation returns the relational conversation id backing
// sessionID, creating one (and recording the mapping) on first use. Returns
// "" without error when no conversation store is configured.
func (p *Processor) ensureStoreConversation(ctx context.Context, sessionID, title string) (string, error) {
	db := p.conversationStore()
	if db == nil {
		return "", nil
	}

	var conversationID string
	if err := p.storage.Get(ctx, []string{storeConversationKVKey, sessionID}, &conversationID); err == nil && conversationID != "" {
		return conversationID, nil
	}

	conv, err := db.CreateConversation(ctx, title)
	if err != nil {
		return "", fmt.Errorf("ensure store conversation: %w", err)
	}
	if err := p.storage.Put(ctx, []string{storeConversationKVKey, sessionID}, conv.ID); err != nil {
		return "", fmt.Errorf("ensure store conversation: record mapping: %w", err)
	}
	return conv.ID, nil
}

// recordStoreMessageMapping remembers that kvMessageID (a pkg/types.Message
// id) corresponds to storeMessageID (the same message's row in the
// relational store), so a later Rewind expressed in KV ids can find its
// position there.
func (p *Processor) recordStoreMessageMapping(ctx context.Context, kvMessageID, storeMessageID string) {
	if err := p.storage.Put(ctx, []string{storeMessageKVKey, kvMessageID}, storeMessageID); err != nil {
		// Best-effort: a missing mapping only degrades a future Rewind,
		// it never corrupts the turn already in flight.
		return
	}
}

// StoreMessageID resolves the relational-store id for a KV message id, so
// callers outside this package (internal/server's attachment upload handler)
// can attach rows — e.g. store.Attachment — to the right message without
// reaching into session internals.
func (p *Processor) StoreMessageID(ctx context.Context, kvMessageID string) (string, error) {
	var storeMessageID string
	if err := p.storage.Get(ctx, []string{storeMessageKVKey, kvMessageID}, &storeMessageID); err != nil || storeMessageID == "" {
		return "", fmt.Errorf("message %s was never recorded in the conversation store", kvMessageID)
	}
	return storeMessageID, nil
}

// Rewind discards every relational-store message after kvMessageID's
// position in its conversation (SPEC_FULL.md §4.1 Rewind, §9.2 Open
// Question resolution), optionally asking the tool registry's configured
// undo-files strategy to revert the file-system side effects of the
// discarded tool calls. kvMessageID is translated to the store's message id
// via the mapping ensureStoreConversation/recordStoreMessageMapping wrote
// when the message was first persisted.
func (p *Processor) Rewind(ctx context.Context, sessionID, kvMessageID string, undoFiles bool) (store.RewindResult, error) {
	db := p.conversationStore()
	if db == nil {
		return store.RewindResult{}, fmt.Errorf("rewind: no conversation store configured")
	}

	var conversationID string
	if err := p.storage.Get(ctx, []string{storeConversationKVKey, sessionID}, &conversationID); err != nil || conversationID == "" {
		return store.RewindResult{}, fmt.Errorf("rewind: no conversation recorded for session %s", sessionID)
	}

	var storeMessageID string
	if err := p.storage.Get(ctx, []string{storeMessageKVKey, kvMessageID}, &storeMessageID); err != nil || storeMessageID == "" {
		return store.RewindResult{}, fmt.Errorf("rewind: message %s was never recorded in the conversation store", kvMessageID)
	}

	msg, err := db.GetMessage(ctx, storeMessageID)
	if err != nil {
		return store.RewindResult{}, fmt.Errorf("rewind: %w", err)
	}

	var opts store.RewindOptions
	if undoFiles {
		if recorder := p.toolRegistry.Recorder(); recorder != nil {
			opts.UndoFiles = true
			opts.Reverter = recorder
		}
	}

	return db.Rewind(ctx, conversationID, msg.Position, opts)
}
