package store

// Conversation is the top-level container for a sequence of messages.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// ConversationSummary is a Conversation plus its message count, as returned
// by ListConversations.
type ConversationSummary struct {
	Conversation
	MessageCount int
}

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation's dense, 0-based position sequence.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Position       int
	CreatedAt      int64

	ToolCalls   []ToolCall
	Attachments []Attachment
}

// ToolCallStatus is the lifecycle state of a ToolCall.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall records one dispatch of a tool during an assistant turn.
type ToolCall struct {
	ID           string
	MessageID    string
	ToolName     string
	ProviderName string
	Input        string // JSON
	Output       *string
	Status       ToolCallStatus
	CreatedAt    int64
	CompletedAt  *int64
}

// Attachment is a file associated with a message, stored under the
// attachment root.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	MimeType    string
	Size        int64
	StoragePath string
	CreatedAt   int64
}

// ChangeLogRow is one row of the durable, polled change log used for
// cross-process event delivery (see internal/event).
type ChangeLogRow struct {
	ID              int64
	OriginProcessID string
	Channel         string
	EventType       string
	Payload         string
	CreatedAt       int64
}
