package session

import (
	"context"

	"github.com/parlorhq/parlor/internal/event"
)

// Event kinds for the agent turn engine's canonical timeline, emitted to
// front-ends over the conversation's ChannelBus channel in the order the
// turn produces them: EventThinking precedes any EventToken or tool event
// for a turn; for a given tool-call id EventToolCallStart precedes
// EventToolCallEnd; EventAssistantMessage for iteration k precedes any
// event of iteration k+1.
const (
	EventThinking         = "turn.thinking"
	EventToken            = "turn.token"
	EventToolCallStart    = "turn.tool_call.start"
	EventToolCallEnd      = "turn.tool_call.end"
	EventAssistantMessage = "turn.assistant_message"
	EventQueuedMessage    = "turn.queued_message"
	EventTurnError        = "turn.error"
	EventTurnDone         = "turn.done"
)

// ToolCallStartPayload is the payload for EventToolCallStart.
type ToolCallStartPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallEndPayload is the payload for EventToolCallEnd.
type ToolCallEndPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output"`
}

// AssistantMessagePayload is the payload for EventAssistantMessage.
type AssistantMessagePayload struct {
	Content string `json:"content"`
}

// ErrorPayload is the payload for EventTurnError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Timeline emits a single turn's canonical event-kind sequence to a
// conversation's ChannelBus channel. It is a thin adapter over
// event.ChannelBus so the turn engine's control flow (loop.go/stream.go/
// tools.go) stays focused on the agentic loop itself rather than on event
// plumbing; nil-safe so processors without a configured bus are unaffected.
type Timeline struct {
	bus            *event.ChannelBus
	dbName         string
	conversationID string
}

// NewTimeline builds a Timeline for a single conversation/session. bus may
// be nil, in which case every emit is a no-op.
func NewTimeline(bus *event.ChannelBus, dbName, conversationID string) *Timeline {
	return &Timeline{bus: bus, dbName: dbName, conversationID: conversationID}
}

func (tl *Timeline) emit(ctx context.Context, eventType string, payload any) {
	if tl == nil || tl.bus == nil {
		return
	}
	channel := event.ChannelForConversation(tl.conversationID)
	tl.bus.Publish(ctx, tl.dbName, channel, eventType, payload)
}

// Thinking emits EventThinking, the first observable activity for a turn.
func (tl *Timeline) Thinking(ctx context.Context) {
	tl.emit(ctx, EventThinking, struct{}{})
}

// Token emits EventToken for a streaming assistant text fragment.
func (tl *Timeline) Token(ctx context.Context, delta string) {
	if delta == "" {
		return
	}
	tl.emit(ctx, EventToken, delta)
}

// ToolCallStart emits EventToolCallStart when the provider announces a call.
func (tl *Timeline) ToolCallStart(ctx context.Context, id, name, arguments string) {
	tl.emit(ctx, EventToolCallStart, ToolCallStartPayload{ID: id, Name: name, Arguments: arguments})
}

// ToolCallEnd emits EventToolCallEnd once a call completes.
func (tl *Timeline) ToolCallEnd(ctx context.Context, id, status, output string) {
	tl.emit(ctx, EventToolCallEnd, ToolCallEndPayload{ID: id, Status: status, Output: output})
}

// AssistantMessage emits EventAssistantMessage with the complete message
// about to be persisted.
func (tl *Timeline) AssistantMessage(ctx context.Context, content string) {
	tl.emit(ctx, EventAssistantMessage, AssistantMessagePayload{Content: content})
}

// QueuedMessage emits EventQueuedMessage when a queued follow-up is spliced
// into the conversation.
func (tl *Timeline) QueuedMessage(ctx context.Context) {
	tl.emit(ctx, EventQueuedMessage, struct{}{})
}

// Error emits EventTurnError; the turn ends after this.
func (tl *Timeline) Error(ctx context.Context, message string) {
	tl.emit(ctx, EventTurnError, ErrorPayload{Message: message})
}

// Done emits EventTurnDone; the turn ended normally (or was cleanly
// cancelled without a partial assistant message).
func (tl *Timeline) Done(ctx context.Context) {
	tl.emit(ctx, EventTurnDone, struct{}{})
}
