// ABOUTME: Client-side conversation timeline reconciler
// ABOUTME: Merges optimistic local sends with the server's authoritative event stream

package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/dispatch"
)

// Status tracks a locally composed message through its lifecycle.
type Status string

const (
	// StatusPending means the send is in flight and the entry renders
	// optimistically without a sequence number.
	StatusPending Status = "pending"
	// StatusConfirmed means the server acknowledged the message and the
	// entry carries its authoritative sequence.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the send errored; the entry stays visible and
	// can be retried with the same correlation id.
	StatusFailed Status = "failed"
)

// Entry is one row of the rendered timeline.
type Entry struct {
	Status        Status
	CorrelationID string
	Message       dispatch.Message
	ComposedAt    time.Time
}

// Timeline reconciles one conversation's view on the client: optimistic
// pending sends, confirmed messages in sequence order, peer read state, and
// typing indicators. Events may arrive more than once and interleave with
// HTTP responses in any order; every path converges on the same state.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	userID         string

	confirmed map[int64]*Entry  // by seq
	pending   map[string]*Entry // by correlation id, pending and failed
	seen      map[string]bool   // event ids already applied
	lastSeq   int64

	peerLastRead time.Time
	typing       map[string]typingState
}

type typingState struct {
	active  bool
	version uint64
}

// NewTimeline creates a reconciler for one conversation as seen by userID.
func NewTimeline(conversationID, userID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		userID:         userID,
		confirmed:      make(map[int64]*Entry),
		pending:        make(map[string]*Entry),
		seen:           make(map[string]bool),
		typing:         make(map[string]typingState),
	}
}

// Compose registers an optimistic local send and returns its correlation id.
// The caller posts the content with that id; at-least-once retries of the
// same send must reuse it.
func (tl *Timeline) Compose(content string) string {
	correlationID := uuid.New().String()

	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.pending[correlationID] = &Entry{
		Status:        StatusPending,
		CorrelationID: correlationID,
		Message: dispatch.Message{
			ConversationID: tl.conversationID,
			SenderID:       tl.userID,
			Content:        content,
		},
		ComposedAt: time.Now(),
	}
	return correlationID
}

// ConfirmSend applies the HTTP response for a send. Idempotent with the
// stream event for the same message, whichever arrives first.
func (tl *Timeline) ConfirmSend(correlationID string, msg *dispatch.Message) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.confirm(correlationID, msg)
}

// FailSend marks a pending send as failed. The entry stays in the timeline
// so the user can retry or discard it.
func (tl *Timeline) FailSend(correlationID string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	entry, ok := tl.pending[correlationID]
	if !ok || entry.Status == StatusConfirmed {
		return
	}
	entry.Status = StatusFailed
}

// Retry returns the content for a failed send and flips it back to pending.
// Returns false if the correlation id is unknown or not in a failed state.
func (tl *Timeline) Retry(correlationID string) (string, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	entry, ok := tl.pending[correlationID]
	if !ok || entry.Status != StatusFailed {
		return "", false
	}
	entry.Status = StatusPending
	return entry.Message.Content, true
}

// Discard drops a failed send from the timeline.
func (tl *Timeline) Discard(correlationID string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if entry, ok := tl.pending[correlationID]; ok && entry.Status == StatusFailed {
		delete(tl.pending, correlationID)
	}
}

// confirm moves a pending entry into the confirmed set, or inserts the
// message directly when no pending entry matches. Callers hold the lock.
func (tl *Timeline) confirm(correlationID string, msg *dispatch.Message) {
	if correlationID != "" {
		delete(tl.pending, correlationID)
	}
	if existing, ok := tl.confirmed[msg.Seq]; ok {
		// Same seq seen before (HTTP response plus stream event): keep the
		// fresher snapshot, which is whichever shows a mutation.
		if !existing.Message.Edited && !existing.Message.Deleted {
			existing.Message = *msg
		}
		return
	}
	tl.confirmed[msg.Seq] = &Entry{
		Status:        StatusConfirmed,
		CorrelationID: correlationID,
		Message:       *msg,
	}
	if msg.Seq > tl.lastSeq {
		tl.lastSeq = msg.Seq
	}
}

// ApplyEvent folds one stream event into the timeline. Returns false when
// the event was a duplicate or irrelevant to this conversation.
func (tl *Timeline) ApplyEvent(event *dispatch.Event) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if event.ConversationID != tl.conversationID {
		return false
	}
	if tl.seen[event.ID] {
		return false
	}
	tl.seen[event.ID] = true

	switch event.Kind {
	case dispatch.KindMessageAppended:
		correlationID := ""
		if event.CorrelationID != "" {
			if _, ok := tl.pending[event.CorrelationID]; ok {
				correlationID = event.CorrelationID
			}
		}
		tl.confirm(correlationID, event.Message)
	case dispatch.KindMessageEdited, dispatch.KindMessageDeleted:
		if entry, ok := tl.confirmed[event.Message.Seq]; ok {
			entry.Message = *event.Message
		} else {
			tl.confirm("", event.Message)
		}
	case dispatch.KindReadStateChanged:
		if event.ReadState.UserID != tl.userID && event.ReadState.LastRead.After(tl.peerLastRead) {
			tl.peerLastRead = event.ReadState.LastRead
		}
	case dispatch.KindTypingChanged:
		t := event.Typing
		if t.UserID == tl.userID {
			return false
		}
		// Typing updates for a pair can arrive out of order; the version
		// decides which one is current.
		if cur, ok := tl.typing[t.UserID]; ok && cur.version >= t.Version {
			return false
		}
		tl.typing[t.UserID] = typingState{active: t.Active, version: t.Version}
	default:
		return false
	}
	return true
}

// LastSeq is the highest confirmed sequence, the resume point for history
// fetches after a reconnect.
func (tl *Timeline) LastSeq() int64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastSeq
}

// Resync merges a history page fetched after a reconnect or a dropped
// stream. Messages already present are refreshed in place, which also picks
// up edits and deletions that happened while disconnected.
func (tl *Timeline) Resync(msgs []*dispatch.Message) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for _, msg := range msgs {
		if entry, ok := tl.confirmed[msg.Seq]; ok {
			entry.Message = *msg
			continue
		}
		tl.confirmed[msg.Seq] = &Entry{
			Status:  StatusConfirmed,
			Message: *msg,
		}
		if msg.Seq > tl.lastSeq {
			tl.lastSeq = msg.Seq
		}
	}
}

// Entries returns the rendered timeline: confirmed messages in sequence
// order followed by pending and failed sends in compose order.
func (tl *Timeline) Entries() []Entry {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	out := make([]Entry, 0, len(tl.confirmed)+len(tl.pending))

	seqs := make([]int64, 0, len(tl.confirmed))
	for seq := range tl.confirmed {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		out = append(out, *tl.confirmed[seq])
	}

	local := make([]*Entry, 0, len(tl.pending))
	for _, entry := range tl.pending {
		local = append(local, entry)
	}
	sort.Slice(local, func(i, j int) bool { return local[i].ComposedAt.Before(local[j].ComposedAt) })
	for _, entry := range local {
		out = append(out, *entry)
	}

	return out
}

// PeerLastRead reports how far the other participant has read.
func (tl *Timeline) PeerLastRead() time.Time {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.peerLastRead
}

// PeerTyping reports whether the given user currently shows as typing.
func (tl *Timeline) PeerTyping(userID string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.typing[userID].active
}
