// ABOUTME: Read-receipt debouncer coalescing viewing signals into single read-marker commits
// ABOUTME: Per (user, conversation) cancel-and-replace timers; last observation wins

package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/dispatch"
)

// DefaultQuietWindow is the debounce delay: a commit fires only after this
// long passes with no further viewing signal for the key.
const DefaultQuietWindow = time.Second

// commitTimeout bounds the read-marker write, detached from any request
// context that may already be gone when the timer fires.
const commitTimeout = 5 * time.Second

// MarkReader is what the debouncer needs from the directory's participant
// state.
type MarkReader interface {
	MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error
}

// Publisher is what the debouncer needs from the realtime layer.
type Publisher interface {
	Publish(conversationID string, event *dispatch.Event)
}

type key struct {
	userID         string
	conversationID string
}

type pendingView struct {
	timer    *time.Timer
	lastSeen time.Time
}

// Debouncer coalesces repeated "viewing conversation" signals into one
// committed read-marker write per quiet period. Clients call NotifyViewing
// liberally (open, focus, scroll, new-message receipt); the store sees one
// write.
type Debouncer struct {
	mu      sync.Mutex
	pending map[key]*pendingView
	quiet   time.Duration
	store   MarkReader
	pub     Publisher
	closed  bool
	logger  *slog.Logger
}

// New creates a debouncer. quiet <= 0 uses DefaultQuietWindow.
// Pass nil logger for default.
func New(store MarkReader, pub Publisher, quiet time.Duration, logger *slog.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		pending: make(map[key]*pendingView),
		quiet:   quiet,
		store:   store,
		pub:     pub,
		logger:  logger.With("component", "receipts"),
	}
}

// NotifyViewing records that the user is currently looking at the
// conversation. The observation instant is captured now; the commit fires
// after the quiet window elapses with no further calls. A pending timer for
// the same key is cancelled and replaced atomically, so two timers never
// race for one key.
func (d *Debouncer) NotifyViewing(userID, conversationID string) {
	k := key{userID: userID, conversationID: conversationID}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if pv, ok := d.pending[k]; ok {
		pv.lastSeen = now
		pv.timer.Stop()
		pv.timer = time.AfterFunc(d.quiet, func() { d.commit(k) })
		return
	}

	d.pending[k] = &pendingView{
		lastSeen: now,
		timer:    time.AfterFunc(d.quiet, func() { d.commit(k) }),
	}
}

// commit writes the read marker for a key and publishes the read-state
// event. Called from the timer goroutine after the quiet window.
func (d *Debouncer) commit(k key) {
	d.mu.Lock()
	pv, ok := d.pending[k]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, k)
	at := pv.lastSeen
	d.mu.Unlock()

	d.commitObservation(k, at)
}

func (d *Debouncer) commitObservation(k key, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := d.store.MarkRead(ctx, k.userID, k.conversationID, at); err != nil {
		d.logger.Error("failed to commit read marker",
			"error", err,
			"user_id", k.userID,
			"conversation_id", k.conversationID)
		return
	}

	d.logger.Debug("read marker committed",
		"user_id", k.userID,
		"conversation_id", k.conversationID)

	d.pub.Publish(k.conversationID, dispatch.NewReadStateEvent(k.conversationID, k.userID, at))
}

// Flush commits any pending observation for the key immediately, without
// waiting out the quiet window. Used when a connection closes so the last
// viewing instant is not lost.
func (d *Debouncer) Flush(userID, conversationID string) {
	k := key{userID: userID, conversationID: conversationID}

	d.mu.Lock()
	pv, ok := d.pending[k]
	if !ok {
		d.mu.Unlock()
		return
	}
	pv.timer.Stop()
	delete(d.pending, k)
	at := pv.lastSeen
	d.mu.Unlock()

	d.commitObservation(k, at)
}

// Close cancels all timers and commits every pending observation.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	remaining := make(map[key]time.Time, len(d.pending))
	for k, pv := range d.pending {
		pv.timer.Stop()
		remaining[k] = pv.lastSeen
		delete(d.pending, k)
	}
	d.mu.Unlock()

	for k, at := range remaining {
		d.commitObservation(k, at)
	}
}
