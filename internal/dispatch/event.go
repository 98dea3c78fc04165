// ABOUTME: Realtime event types fanned out to subscribed connections
// ABOUTME: Defines Event kinds, payloads, and stable ids for client-side dedupe

package dispatch

import (
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// Kind categorizes a realtime event
type Kind string

const (
	KindMessageAppended  Kind = "message_appended"
	KindMessageEdited    Kind = "message_edited"
	KindMessageDeleted   Kind = "message_deleted"
	KindReadStateChanged Kind = "read_state_changed"
	KindTypingChanged    Kind = "typing_changed"
)

// ReadState is the payload of a read_state_changed event.
type ReadState struct {
	UserID   string    `json:"user_id"`
	LastRead time.Time `json:"last_read"`
}

// Typing is the payload of a typing_changed event. Version increments on
// every refresh/stop for a (conversation, user) pair so at-least-once
// delivery stays idempotent on the client.
type Typing struct {
	UserID  string `json:"user_id"`
	Active  bool   `json:"active"`
	Version uint64 `json:"version"`
}

// Event is a single realtime notification for one conversation. Delivery is
// at-least-once; ID is stable for a given occurrence so clients can discard
// duplicates.
type Event struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	EmittedAt      time.Time  `json:"emitted_at"`
	Message        *Message   `json:"message,omitempty"`
	ReadState      *ReadState `json:"read_state,omitempty"`
	Typing         *Typing    `json:"typing,omitempty"`
	// CorrelationID echoes the sender's client-generated id on
	// message_appended events. Transient; never persisted.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Message is the wire snapshot of a stored message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	Edited         bool       `json:"edited"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Deleted        bool       `json:"deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Snapshot converts a store message into its wire form.
func Snapshot(m *store.Message) *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		DeletedAt:      m.DeletedAt,
	}
}

// NewMessageEvent builds a message lifecycle event. The event id is derived
// from the kind, the message id, and the mutation timestamp, so re-delivery
// of the same occurrence carries the same id while a later edit of the same
// message does not.
func NewMessageEvent(kind Kind, msg *store.Message, correlationID string) *Event {
	id := fmt.Sprintf("%s:%s", kind, msg.ID)
	switch kind {
	case KindMessageEdited:
		if msg.EditedAt != nil {
			id = fmt.Sprintf("%s:%s:%d", kind, msg.ID, msg.EditedAt.UnixNano())
		}
	case KindMessageDeleted:
		if msg.DeletedAt != nil {
			id = fmt.Sprintf("%s:%s:%d", kind, msg.ID, msg.DeletedAt.UnixNano())
		}
	}
	return &Event{
		ID:             id,
		Kind:           kind,
		ConversationID: msg.ConversationID,
		EmittedAt:      time.Now(),
		Message:        Snapshot(msg),
		CorrelationID:  correlationID,
	}
}

// NewReadStateEvent builds a read_state_changed event.
func NewReadStateEvent(conversationID, userID string, lastRead time.Time) *Event {
	return &Event{
		ID:             fmt.Sprintf("%s:%s:%s:%d", KindReadStateChanged, conversationID, userID, lastRead.UnixNano()),
		Kind:           KindReadStateChanged,
		ConversationID: conversationID,
		EmittedAt:      time.Now(),
		ReadState:      &ReadState{UserID: userID, LastRead: lastRead},
	}
}

// NewTypingEvent builds a typing_changed event.
func NewTypingEvent(conversationID, userID string, active bool, version uint64) *Event {
	return &Event{
		ID:             fmt.Sprintf("%s:%s:%s:%d", KindTypingChanged, conversationID, userID, version),
		Kind:           KindTypingChanged,
		ConversationID: conversationID,
		EmittedAt:      time.Now(),
		Typing:         &Typing{UserID: userID, Active: active, Version: version},
	}
}
