// ABOUTME: Tests for the message log
// ABOUTME: Covers append validation/dedup, publish-after-commit, edit/delete gates, tombstone listing

package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/store"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []*dispatch.Event
}

func (p *capturePublisher) Publish(conversationID string, event *dispatch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) all() []*dispatch.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*dispatch.Event(nil), p.events...)
}

func newTestLog(t *testing.T, opts LogOptions) (*Log, *store.SQLiteStore, *capturePublisher, *store.Conversation) {
	t.Helper()
	s := newTestStore(t)
	seedUsers(t, s, "alice", "bob")

	dir := NewDirectory(s, nil)
	conv, err := dir.GetOrCreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	pub := &capturePublisher{}
	l := NewLog(s, pub, opts, nil)
	t.Cleanup(l.Close)
	return l, s, pub, conv
}

func TestLog_Append_AssignsSeqAndPublishes(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{})

	msg, err := l.Append(context.Background(), conv.ID, "alice", "hi", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "alice", msg.SenderID)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.KindMessageAppended, events[0].Kind)
	assert.Equal(t, "corr-1", events[0].CorrelationID)
	assert.Equal(t, msg.ID, events[0].Message.ID)
	assert.Equal(t, int64(1), events[0].Message.Seq)
}

func TestLog_Append_EmptyContent(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{})

	_, err := l.Append(context.Background(), conv.ID, "alice", "", "")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, pub.all(), "rejected append must not publish")
}

func TestLog_Append_OversizedContent(t *testing.T) {
	l, _, _, conv := newTestLog(t, LogOptions{MaxContentBytes: 10})

	_, err := l.Append(context.Background(), conv.ID, "alice", "this is longer than ten bytes", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLog_Append_NonParticipant(t *testing.T) {
	l, s, pub, conv := newTestLog(t, LogOptions{})
	seedUsers(t, s, "mallory")

	_, err := l.Append(context.Background(), conv.ID, "mallory", "let me in", "")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, pub.all())
}

func TestLog_Append_UnknownConversation(t *testing.T) {
	l, _, _, _ := newTestLog(t, LogOptions{})

	_, err := l.Append(context.Background(), "nope", "alice", "hi", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLog_Append_RetryWithSameCorrelationIsDeduplicated(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	first, err := l.Append(ctx, conv.ID, "alice", "hi", "corr-retry")
	require.NoError(t, err)

	// At-least-once client retry with the same correlation id
	second, err := l.Append(ctx, conv.ID, "alice", "hi", "corr-retry")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	// Only one durable row and one published event
	msgs, err := l.ListMessages(ctx, conv.ID, "alice", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, pub.all(), 1)
}

func TestLog_Append_DistinctCorrelationsAreDistinctMessages(t *testing.T) {
	l, _, _, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	m1, err := l.Append(ctx, conv.ID, "alice", "one", "corr-a")
	require.NoError(t, err)
	m2, err := l.Append(ctx, conv.ID, "alice", "two", "corr-b")
	require.NoError(t, err)

	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Equal(t, int64(2), m2.Seq)
}

func TestLog_Edit_BySenderInsideWindow(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	msg, err := l.Append(ctx, conv.ID, "alice", "tpyo", "")
	require.NoError(t, err)

	edited, err := l.Edit(ctx, msg.ID, "alice", "typo")
	require.NoError(t, err)
	assert.Equal(t, "typo", edited.Content)
	assert.True(t, edited.Edited)
	assert.Equal(t, msg.Seq, edited.Seq, "edits do not reorder")

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, dispatch.KindMessageEdited, events[1].Kind)
	assert.Equal(t, "typo", events[1].Message.Content)
}

func TestLog_Edit_ByNonSender(t *testing.T) {
	l, _, _, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	msg, err := l.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)

	_, err = l.Edit(ctx, msg.ID, "bob", "hijacked")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestLog_Edit_PastWindow(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{EditWindow: time.Nanosecond})

	ctx := context.Background()
	msg, err := l.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = l.Edit(ctx, msg.ID, "alice", "too late")
	assert.ErrorIs(t, err, ErrWindowExpired)
	assert.Len(t, pub.all(), 1, "failed edit must not publish")
}

func TestLog_Edit_IndependentWindows(t *testing.T) {
	// Edit window already closed, delete window still open
	l, _, _, conv := newTestLog(t, LogOptions{
		EditWindow:   time.Nanosecond,
		DeleteWindow: time.Hour,
	})

	ctx := context.Background()
	msg, err := l.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = l.Edit(ctx, msg.ID, "alice", "nope")
	assert.ErrorIs(t, err, ErrWindowExpired)

	_, err = l.SoftDelete(ctx, msg.ID, "alice")
	assert.NoError(t, err)
}

func TestLog_SoftDelete_LeavesTombstoneInListing(t *testing.T) {
	l, _, pub, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	first, err := l.Append(ctx, conv.ID, "alice", "one", "")
	require.NoError(t, err)
	_, err = l.Append(ctx, conv.ID, "bob", "two", "")
	require.NoError(t, err)

	deleted, err := l.SoftDelete(ctx, first.ID, "alice")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Content)

	msgs, err := l.ListMessages(ctx, conv.ID, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "tombstones are returned, never omitted")
	assert.True(t, msgs[0].Deleted)
	assert.Empty(t, msgs[0].Content)
	assert.Equal(t, int64(1), msgs[0].Seq)

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, dispatch.KindMessageDeleted, events[2].Kind)
}

func TestLog_SoftDelete_TombstoneCannotBeEdited(t *testing.T) {
	l, _, _, conv := newTestLog(t, LogOptions{})

	ctx := context.Background()
	msg, err := l.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)

	_, err = l.SoftDelete(ctx, msg.ID, "alice")
	require.NoError(t, err)

	_, err = l.Edit(ctx, msg.ID, "alice", "resurrect")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.SoftDelete(ctx, msg.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLog_ListMessages_NonParticipant(t *testing.T) {
	l, s, _, conv := newTestLog(t, LogOptions{})
	seedUsers(t, s, "mallory")

	_, err := l.ListMessages(context.Background(), conv.ID, "mallory", 0, 10)
	assert.ErrorIs(t, err, ErrForbidden)
}
