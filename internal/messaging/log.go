// ABOUTME: Message log: append, edit, soft delete, and listing for conversations
// ABOUTME: Durable write commits first; exactly one event publishes after, never before

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/dedupe"
	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/store"
)

const (
	// DefaultMaxContentBytes caps message content size.
	DefaultMaxContentBytes = 8192

	// defaultAppendTimeout bounds how long an append waits on the durable
	// write before reporting failure to the sender. Independent of fan-out.
	defaultAppendTimeout = 5 * time.Second

	// Correlation keys only need to survive a client session's retries.
	correlationTTL     = 10 * time.Minute
	correlationMaxKeys = 10000
)

// Publisher is what the log needs from the realtime layer.
type Publisher interface {
	Publish(conversationID string, event *dispatch.Event)
}

// LogOptions tunes a message log. Zero values select defaults.
type LogOptions struct {
	EditWindow      time.Duration
	DeleteWindow    time.Duration
	MaxContentBytes int
	AppendTimeout   time.Duration
}

// Log is the per-conversation ordered message sequence. All message writes
// flow through here; it is the only component that advances conversation
// last-activity and the only publisher of message lifecycle events.
type Log struct {
	store        store.Store
	pub          Publisher
	correlations *dedupe.Cache
	editWindow   time.Duration
	deleteWindow time.Duration
	maxContent   int
	appendWait   time.Duration
	logger       *slog.Logger
}

// NewLog creates a message log. Pass nil logger for default.
func NewLog(st store.Store, pub Publisher, opts LogOptions, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EditWindow <= 0 {
		opts.EditWindow = DefaultMutationWindow
	}
	if opts.DeleteWindow <= 0 {
		opts.DeleteWindow = DefaultMutationWindow
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = defaultAppendTimeout
	}
	return &Log{
		store:        st,
		pub:          pub,
		correlations: dedupe.New(correlationTTL, correlationMaxKeys),
		editWindow:   opts.EditWindow,
		deleteWindow: opts.DeleteWindow,
		maxContent:   opts.MaxContentBytes,
		appendWait:   opts.AppendTimeout,
		logger:       logger.With("component", "log"),
	}
}

// Close releases the correlation cache.
func (l *Log) Close() {
	l.correlations.Close()
}

func (l *Log) validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len(content) > l.maxContent {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, l.maxContent)
	}
	return nil
}

// conversationFor loads a conversation and authorizes userID as a participant.
func (l *Log) conversationFor(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return conv, nil
}

// Append assigns the next sequence number for the conversation and a server
// timestamp, stores the message durably, and fans out exactly one
// message_appended event echoing correlationID. The durable write commits
// first and is bounded by the append timeout; the sender's response never
// waits on fan-out to other subscribers, and a publish failure never rolls
// back the stored message.
//
// A retried send with the same (sender, correlationID) returns the
// originally appended message instead of appending twice.
func (l *Log) Append(ctx context.Context, conversationID, senderID, content, correlationID string) (*store.Message, error) {
	if err := l.validateContent(content); err != nil {
		return nil, err
	}
	if _, err := l.conversationFor(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	var corrKey string
	if correlationID != "" {
		corrKey = senderID + "|" + correlationID
		if msgID, seen := l.correlations.Lookup(corrKey); seen {
			msg, err := l.store.GetMessage(ctx, msgID)
			if err == nil {
				l.logger.Debug("append deduplicated",
					"correlation_id", correlationID,
					"message_id", msgID)
				return msg, nil
			}
			// Cache pointed at a vanished row; fall through and append fresh.
		}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, l.appendWait)
	defer cancel()
	if err := l.store.AppendMessage(writeCtx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if corrKey != "" {
		l.correlations.Remember(corrKey, msg.ID)
	}

	l.logger.Debug("message appended",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"seq", msg.Seq)

	l.pub.Publish(conversationID, dispatch.NewMessageEvent(dispatch.KindMessageAppended, msg, correlationID))
	return msg, nil
}

// Edit replaces a message's content in place. Only the sender may edit, only
// inside the edit window, and never on a tombstone. Sequence position is
// unchanged; edits do not reorder.
func (l *Log) Edit(ctx context.Context, messageID, editorID, newContent string) (*store.Message, error) {
	if err := l.validateContent(newContent); err != nil {
		return nil, err
	}

	msg, err := l.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := mutationAllowed(msg, editorID, time.Now(), l.editWindow); err != nil {
		return nil, err
	}

	editedAt := time.Now()
	if err := l.store.UpdateMessageContent(ctx, messageID, newContent, editedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	msg.Content = newContent
	msg.Edited = true
	msg.EditedAt = &editedAt

	l.logger.Debug("message edited", "message_id", messageID)
	l.pub.Publish(msg.ConversationID, dispatch.NewMessageEvent(dispatch.KindMessageEdited, msg, ""))
	return msg, nil
}

// SoftDelete tombstones a message: content cleared, deleted flag set, row
// and sequence position retained. Same authorization and window gate as
// Edit, using the independently configured delete window.
func (l *Log) SoftDelete(ctx context.Context, messageID, requesterID string) (*store.Message, error) {
	msg, err := l.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := mutationAllowed(msg, requesterID, time.Now(), l.deleteWindow); err != nil {
		return nil, err
	}

	deletedAt := time.Now()
	if err := l.store.TombstoneMessage(ctx, messageID, deletedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	msg.Content = ""
	msg.Deleted = true
	msg.DeletedAt = &deletedAt

	l.logger.Debug("message deleted", "message_id", messageID)
	l.pub.Publish(msg.ConversationID, dispatch.NewMessageEvent(dispatch.KindMessageDeleted, msg, ""))
	return msg, nil
}

// ListMessages returns messages in ascending sequence order starting after
// afterSeq. Tombstones are included so clients mid-stream keep a gapless
// sequence; callers render placeholders for them.
func (l *Log) ListMessages(ctx context.Context, conversationID, requesterID string, afterSeq int64, limit int) ([]*store.Message, error) {
	if _, err := l.conversationFor(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	msgs, err := l.store.ListMessages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msgs, nil
}

func (l *Log) getMessage(ctx context.Context, messageID string) (*store.Message, error) {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg, nil
}
