// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Participant, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when inserting a conversation whose
// participant pair already has one. Callers retry the lookup and use the
// existing row.
var ErrDuplicateConversation = errors.New("conversation already exists")

// User is a read-only mirror of the identity system's public profile.
// Parley never creates or mutates users; it only resolves them.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Conversation is a two-party message thread. The participant pair is
// normalized so UserA < UserB, which makes the pair key unique regardless
// of who initiated the conversation.
type Conversation struct {
	ID             string
	UserA          string
	UserB          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	LastSeq        int64
}

// Peer returns the other participant's id, or "" if userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.UserA || userID == c.UserB
}

// Participant is the per user x conversation row carrying the read marker.
type Participant struct {
	ConversationID string
	UserID         string
	LastRead       *time.Time
}

// Message is a single entry in a conversation's ordered log. Seq is assigned
// by the store at append time and is strictly increasing and gap-free per
// conversation. Soft-deleted messages keep their row and seq with content
// cleared (tombstone).
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Edited         bool
	EditedAt       *time.Time
	Deleted        bool
	DeletedAt      *time.Time
}

// ConversationSummary is a conversation annotated for one participant's
// inbox view: the other party's profile and the derived unread count.
type ConversationSummary struct {
	Conversation Conversation
	Peer         User
	LastRead     *time.Time
	UnreadCount  int
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Users (read-only identity mirror)
	GetUser(ctx context.Context, id string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string) ([]*ConversationSummary, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	TombstoneMessage(ctx context.Context, id string, deletedAt time.Time) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)

	// Read markers
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error
	GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)

	// Close releases any resources held by the store
	Close() error
}

// NormalizePair orders a participant pair so the smaller id comes first.
// The store persists pairs in this form, which is what makes the unique
// pair index insensitive to argument order.
func NormalizePair(x, y string) (string, string) {
	if y < x {
		return y, x
	}
	return x, y
}
