package domain

import "time"

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// Conversation groups chat messages and carries the retrieval scope
// established by the first exchange.
type Conversation struct {
	ID          int64
	Title       string
	ScopeDocIDs []int64 // pinned document set; empty means whole corpus
	CreatedAt   time.Time
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	ID             int64
	ConversationID int64
	Role           ChatRole
	Content        string
	ReferencedIDs  []int64 // documents cited by an assistant turn
	CreatedAt      time.Time
}

// ChatEventType discriminates the streaming chat event variants.
type ChatEventType string

const (
	// ChatEventRefs is the one-time referenced-documents event.
	ChatEventRefs ChatEventType = "refs"
	// ChatEventChunk carries an incremental text fragment.
	ChatEventChunk ChatEventType = "chunk"
	// ChatEventDone terminates a successful stream.
	ChatEventDone ChatEventType = "done"
	// ChatEventError terminates a failed stream.
	ChatEventError ChatEventType = "error"
)

// ChatEvent is the closed tagged variant emitted by the streaming chat
// usecase and dispatched by a single switch in the SSE handler.
type ChatEvent struct {
	Type  ChatEventType
	Chunk string  // set for ChatEventChunk
	Refs  []int64 // set for ChatEventRefs
	Err   string  // set for ChatEventError
}
