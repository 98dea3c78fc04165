// ABOUTME: Tests for the client timeline reconciler
// ABOUTME: Covers optimistic sends, event dedupe, out-of-order arrival, and resync

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/dispatch"
)

func confirmedMessage(seq int64, sender, content string) *dispatch.Message {
	return &dispatch.Message{
		ID:             "msg-" + content,
		ConversationID: "conv-1",
		Seq:            seq,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

func appendedEvent(msg *dispatch.Message, correlationID string) *dispatch.Event {
	return &dispatch.Event{
		ID:             "message_appended:" + msg.ID,
		Kind:           dispatch.KindMessageAppended,
		ConversationID: msg.ConversationID,
		EmittedAt:      time.Now(),
		Message:        msg,
		CorrelationID:  correlationID,
	}
}

func TestTimeline_ComposeThenConfirm(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	correlationID := tl.Compose("hello")

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPending, entries[0].Status)
	assert.Equal(t, "hello", entries[0].Message.Content)

	tl.ConfirmSend(correlationID, confirmedMessage(1, "alice", "hello"))

	entries = tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, int64(1), entries[0].Message.Seq)
	assert.Equal(t, int64(1), tl.LastSeq())
}

func TestTimeline_StreamEventBeforeHTTPResponse(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")
	correlationID := tl.Compose("fast stream")

	msg := confirmedMessage(1, "alice", "fast stream")

	// Stream event lands first and promotes the pending entry.
	assert.True(t, tl.ApplyEvent(appendedEvent(msg, correlationID)))
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusConfirmed, entries[0].Status)

	// HTTP response lands second; nothing duplicates.
	tl.ConfirmSend(correlationID, msg)
	assert.Len(t, tl.Entries(), 1)
}

func TestTimeline_DuplicateEventsAreDiscarded(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	event := appendedEvent(confirmedMessage(1, "bob", "once"), "")
	assert.True(t, tl.ApplyEvent(event))
	assert.False(t, tl.ApplyEvent(event), "same event id must not apply twice")
	assert.Len(t, tl.Entries(), 1)
}

func TestTimeline_OtherConversationIgnored(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	msg := confirmedMessage(1, "bob", "elsewhere")
	msg.ConversationID = "conv-2"
	event := appendedEvent(msg, "")
	event.ConversationID = "conv-2"

	assert.False(t, tl.ApplyEvent(event))
	assert.Empty(t, tl.Entries())
}

func TestTimeline_RemoteMessagesOrderBySeq(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	tl.ApplyEvent(appendedEvent(confirmedMessage(2, "bob", "second"), ""))
	tl.ApplyEvent(appendedEvent(confirmedMessage(1, "bob", "first"), ""))
	tl.ApplyEvent(appendedEvent(confirmedMessage(3, "bob", "third"), ""))

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message.Content)
	assert.Equal(t, "second", entries[1].Message.Content)
	assert.Equal(t, "third", entries[2].Message.Content)
	assert.Equal(t, int64(3), tl.LastSeq())
}

func TestTimeline_PendingRendersAfterConfirmed(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	tl.ApplyEvent(appendedEvent(confirmedMessage(1, "bob", "remote"), ""))
	tl.Compose("still sending")

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, StatusPending, entries[1].Status)
}

func TestTimeline_FailRetryDiscard(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")
	correlationID := tl.Compose("flaky")

	tl.FailSend(correlationID)
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)

	content, ok := tl.Retry(correlationID)
	require.True(t, ok)
	assert.Equal(t, "flaky", content)
	assert.Equal(t, StatusPending, tl.Entries()[0].Status)

	// Retry with the same correlation id eventually confirms.
	tl.ConfirmSend(correlationID, confirmedMessage(1, "alice", "flaky"))
	assert.Equal(t, StatusConfirmed, tl.Entries()[0].Status)

	// Cannot retry something that is not failed.
	_, ok = tl.Retry(correlationID)
	assert.False(t, ok)
}

func TestTimeline_DiscardFailedSend(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")
	correlationID := tl.Compose("abandoned")
	tl.FailSend(correlationID)

	tl.Discard(correlationID)
	assert.Empty(t, tl.Entries())

	// Discard only removes failed entries.
	pending := tl.Compose("in flight")
	tl.Discard(pending)
	assert.Len(t, tl.Entries(), 1)
}

func TestTimeline_EditAndDeleteEvents(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")
	msg := confirmedMessage(1, "bob", "v1")
	tl.ApplyEvent(appendedEvent(msg, ""))

	editedAt := time.Now()
	edited := *msg
	edited.Content = "v2"
	edited.Edited = true
	edited.EditedAt = &editedAt
	tl.ApplyEvent(&dispatch.Event{
		ID:             "message_edited:msg-v1:1",
		Kind:           dispatch.KindMessageEdited,
		ConversationID: "conv-1",
		Message:        &edited,
	})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "v2", entries[0].Message.Content)
	assert.True(t, entries[0].Message.Edited)

	deletedAt := time.Now()
	deleted := edited
	deleted.Content = ""
	deleted.Deleted = true
	deleted.DeletedAt = &deletedAt
	tl.ApplyEvent(&dispatch.Event{
		ID:             "message_deleted:msg-v1",
		Kind:           dispatch.KindMessageDeleted,
		ConversationID: "conv-1",
		Message:        &deleted,
	})

	entries = tl.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Message.Deleted)
	assert.Empty(t, entries[0].Message.Content)
}

func TestTimeline_EditEventForUnseenMessageInserts(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	// An edit can arrive for a message this client never saw appended.
	editedAt := time.Now()
	msg := confirmedMessage(4, "bob", "edited unseen")
	msg.Edited = true
	msg.EditedAt = &editedAt
	tl.ApplyEvent(&dispatch.Event{
		ID:             "message_edited:msg-x:1",
		Kind:           dispatch.KindMessageEdited,
		ConversationID: "conv-1",
		Message:        msg,
	})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].Message.Seq)
	assert.Equal(t, int64(4), tl.LastSeq())
}

func TestTimeline_ReadStateTracksPeerOnly(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	early := time.Now()
	late := early.Add(time.Minute)

	tl.ApplyEvent(&dispatch.Event{
		ID:             "rs-1",
		Kind:           dispatch.KindReadStateChanged,
		ConversationID: "conv-1",
		ReadState:      &dispatch.ReadState{UserID: "bob", LastRead: late},
	})
	assert.Equal(t, late, tl.PeerLastRead())

	// An older marker never regresses the state.
	tl.ApplyEvent(&dispatch.Event{
		ID:             "rs-2",
		Kind:           dispatch.KindReadStateChanged,
		ConversationID: "conv-1",
		ReadState:      &dispatch.ReadState{UserID: "bob", LastRead: early},
	})
	assert.Equal(t, late, tl.PeerLastRead())

	// Our own read marker is not peer state.
	own := late.Add(time.Minute)
	tl.ApplyEvent(&dispatch.Event{
		ID:             "rs-3",
		Kind:           dispatch.KindReadStateChanged,
		ConversationID: "conv-1",
		ReadState:      &dispatch.ReadState{UserID: "alice", LastRead: own},
	})
	assert.Equal(t, late, tl.PeerLastRead())
}

func TestTimeline_TypingVersionGuard(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")

	active := &dispatch.Event{
		ID:             "t-2",
		Kind:           dispatch.KindTypingChanged,
		ConversationID: "conv-1",
		Typing:         &dispatch.Typing{UserID: "bob", Active: true, Version: 2},
	}
	assert.True(t, tl.ApplyEvent(active))
	assert.True(t, tl.PeerTyping("bob"))

	// A stale stop from before the latest start is discarded.
	stale := &dispatch.Event{
		ID:             "t-1",
		Kind:           dispatch.KindTypingChanged,
		ConversationID: "conv-1",
		Typing:         &dispatch.Typing{UserID: "bob", Active: false, Version: 1},
	}
	assert.False(t, tl.ApplyEvent(stale))
	assert.True(t, tl.PeerTyping("bob"))

	stop := &dispatch.Event{
		ID:             "t-3",
		Kind:           dispatch.KindTypingChanged,
		ConversationID: "conv-1",
		Typing:         &dispatch.Typing{UserID: "bob", Active: false, Version: 3},
	}
	assert.True(t, tl.ApplyEvent(stop))
	assert.False(t, tl.PeerTyping("bob"))

	// Own typing events are ignored.
	self := &dispatch.Event{
		ID:             "t-4",
		Kind:           dispatch.KindTypingChanged,
		ConversationID: "conv-1",
		Typing:         &dispatch.Typing{UserID: "alice", Active: true, Version: 1},
	}
	assert.False(t, tl.ApplyEvent(self))
}

func TestTimeline_ResyncAfterDroppedStream(t *testing.T) {
	tl := NewTimeline("conv-1", "alice")
	tl.ApplyEvent(appendedEvent(confirmedMessage(1, "bob", "before drop"), ""))
	require.Equal(t, int64(1), tl.LastSeq())

	// While disconnected: 2 and 3 appended, 1 edited.
	editedAt := time.Now()
	refreshed := confirmedMessage(1, "bob", "before drop, edited")
	refreshed.Edited = true
	refreshed.EditedAt = &editedAt

	tl.Resync([]*dispatch.Message{
		refreshed,
		confirmedMessage(2, "alice", "missed two"),
		confirmedMessage(3, "bob", "missed three"),
	})

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Message.Edited)
	assert.Equal(t, "missed two", entries[1].Message.Content)
	assert.Equal(t, int64(3), tl.LastSeq())

	// Re-delivered events after resync stay idempotent.
	assert.True(t, tl.ApplyEvent(appendedEvent(confirmedMessage(2, "alice", "missed two"), "")))
	assert.Len(t, tl.Entries(), 3)
}
