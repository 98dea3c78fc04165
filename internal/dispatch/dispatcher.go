// ABOUTME: In-memory fan-out dispatcher for realtime conversation events
// ABOUTME: Bounded per-connection queues; overflowing connections are dropped for pull-based resync

package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound buffer per connection when the
// configured size is zero.
const DefaultQueueSize = 64

// Connection is one live subscriber of a conversation. A user with several
// open clients holds several connections.
type Connection struct {
	ID             string
	ConversationID string

	queue   chan *Event
	dropped bool // guarded by the dispatcher mutex
}

// Events returns the receive side of the connection's outbound queue. The
// channel is closed when the connection is unsubscribed or dropped.
func (c *Connection) Events() <-chan *Event {
	return c.queue
}

// Dispatcher fans published events out to every live connection subscribed
// to a conversation. Registries are owned by the dispatcher instance and
// torn down with it; there is no package-level subscription state.
type Dispatcher struct {
	mu        sync.Mutex
	conns     map[string]map[string]*Connection // conversationID -> connectionID -> conn
	queueSize int
	closed    bool
	logger    *slog.Logger
}

// New creates a dispatcher. queueSize <= 0 uses DefaultQueueSize.
// Pass nil logger for default.
func New(queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		conns:     make(map[string]map[string]*Connection),
		queueSize: queueSize,
		logger:    logger.With("component", "dispatch"),
	}
}

// Subscribe registers a connection for events on the given conversation.
// connectionID may be empty, in which case one is generated. The
// subscription is automatically cleaned up when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, conversationID, connectionID string) *Connection {
	if connectionID == "" {
		connectionID = uuid.New().String()
	}
	conn := &Connection{
		ID:             connectionID,
		ConversationID: conversationID,
		queue:          make(chan *Event, d.queueSize),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(conn.queue)
		conn.dropped = true
		return conn
	}
	if _, ok := d.conns[conversationID]; !ok {
		d.conns[conversationID] = make(map[string]*Connection)
	}
	d.conns[conversationID][connectionID] = conn
	d.mu.Unlock()

	d.logger.Debug("connection subscribed",
		"conversation_id", conversationID,
		"connection_id", connectionID)

	go func() {
		<-ctx.Done()
		d.Unsubscribe(conversationID, connectionID)
	}()

	return conn
}

// Publish delivers an event to every live connection for the conversation.
// It never blocks: enqueues are non-blocking, and a connection whose queue
// is full is dropped on the spot (its channel closes; the client
// re-subscribes and catches up by pulling messages from its last seq).
// The registry lock is held across the enqueue loop so every connection
// observes events for a conversation in the same order they were published.
func (d *Dispatcher) Publish(conversationID string, event *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.conns[conversationID]
	if !ok || len(subs) == 0 {
		return
	}

	for id, conn := range subs {
		select {
		case conn.queue <- event:
		default:
			// Queue overflow. Dropping single events would leave the
			// connection with a silent gap, so the connection goes instead.
			conn.dropped = true
			close(conn.queue)
			delete(subs, id)
			d.logger.Warn("dropped slow connection",
				"conversation_id", conversationID,
				"connection_id", id,
				"event_id", event.ID)
		}
	}
	if len(subs) == 0 {
		delete(d.conns, conversationID)
	}
}

// Unsubscribe removes a connection and closes its queue. No further events
// are delivered after it returns. Safe to call for already-dropped or
// unknown connections.
func (d *Dispatcher) Unsubscribe(conversationID, connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.conns[conversationID]
	if !ok {
		return
	}
	conn, exists := subs[connectionID]
	if !exists {
		return
	}

	delete(subs, connectionID)
	if !conn.dropped {
		conn.dropped = true
		close(conn.queue)
	}
	if len(subs) == 0 {
		delete(d.conns, conversationID)
	}

	d.logger.Debug("connection unsubscribed",
		"conversation_id", conversationID,
		"connection_id", connectionID)
}

// Dropped reports whether the connection was removed because its queue
// overflowed or it was unsubscribed.
func (d *Dispatcher) Dropped(conn *Connection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return conn.dropped
}

// SubscriberCount returns the number of live connections for a conversation.
func (d *Dispatcher) SubscriberCount(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[conversationID])
}

// Close tears down all registries and closes every connection queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	for convID, subs := range d.conns {
		for id, conn := range subs {
			if !conn.dropped {
				conn.dropped = true
				close(conn.queue)
			}
			delete(subs, id)
		}
		delete(d.conns, convID)
	}

	d.logger.Debug("dispatcher closed")
}
