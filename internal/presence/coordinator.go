// ABOUTME: In-memory typing presence coordinator with TTL expiry
// ABOUTME: Nothing here is ever persisted; state dies with the process

package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/dispatch"
)

const (
	// DefaultTypingTTL is how long a typing indicator stays active without
	// a refresh.
	DefaultTypingTTL = 5 * time.Second

	// DefaultSweepInterval is the backstop sweep cadence for entries whose
	// timers were lost (should never happen, but the sweep makes staleness
	// bounded regardless).
	DefaultSweepInterval = 10 * time.Second
)

// Publisher is what the coordinator needs from the realtime layer.
type Publisher interface {
	Publish(conversationID string, event *dispatch.Event)
}

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// Coordinator tracks who is typing in which conversation. Indicators expire
// after a TTL unless refreshed; every state change carries a per-key version
// so observers can discard stale updates that arrive out of order. Versions
// live outside the entries and only ever increase, so a fresh start after a
// stop or expiry never reuses an earlier occurrence's version or event id.
type Coordinator struct {
	mu       sync.Mutex
	entries  map[key]*entry
	versions map[key]uint64
	ttl      time.Duration
	pub      Publisher
	done     chan struct{}
	closed   bool
	logger   *slog.Logger
}

// New creates a coordinator. ttl <= 0 uses DefaultTypingTTL, sweepInterval
// <= 0 uses DefaultSweepInterval. Pass nil logger for default.
func New(pub Publisher, ttl, sweepInterval time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		entries:  make(map[key]*entry),
		versions: make(map[key]uint64),
		ttl:      ttl,
		pub:      pub,
		done:     make(chan struct{}),
		logger:   logger.With("component", "presence"),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// nextVersion advances the monotonic counter for a key. Callers hold the
// lock.
func (c *Coordinator) nextVersion(k key) uint64 {
	c.versions[k]++
	return c.versions[k]
}

// StartTyping marks the user as typing in the conversation, refreshing the
// TTL if already active. Every call publishes an active typing event with a
// strictly increased version.
func (c *Coordinator) StartTyping(conversationID, userID string) {
	k := key{conversationID: conversationID, userID: userID}
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if e, ok := c.entries[k]; ok {
		e.expiresAt = now.Add(c.ttl)
		e.timer.Stop()
		e.timer = time.AfterFunc(c.ttl, func() { c.expire(k) })
	} else {
		c.entries[k] = &entry{
			expiresAt: now.Add(c.ttl),
			timer:     time.AfterFunc(c.ttl, func() { c.expire(k) }),
		}
	}
	version := c.nextVersion(k)
	c.mu.Unlock()

	c.pub.Publish(conversationID, dispatch.NewTypingEvent(conversationID, userID, true, version))
}

// StopTyping clears the indicator explicitly (message sent, input cleared).
// No-op if the indicator already expired.
func (c *Coordinator) StopTyping(conversationID, userID string) {
	k := key{conversationID: conversationID, userID: userID}

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(c.entries, k)
	version := c.nextVersion(k)
	c.mu.Unlock()

	c.pub.Publish(conversationID, dispatch.NewTypingEvent(conversationID, userID, false, version))
}

// expire is the timer callback. A refresh may have landed between the timer
// firing and the lock being acquired, so the deadline is re-checked before
// removal.
func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return
	}
	delete(c.entries, k)
	version := c.nextVersion(k)
	c.mu.Unlock()

	c.logger.Debug("typing indicator expired",
		"conversation_id", k.conversationID,
		"user_id", k.userID)

	c.pub.Publish(k.conversationID, dispatch.NewTypingEvent(k.conversationID, k.userID, false, version))
}

// ListTyping returns the users currently typing in the conversation,
// excluding the requester (a user never sees their own indicator). Entries
// past their deadline are dropped lazily.
func (c *Coordinator) ListTyping(conversationID, requesterID string) []string {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for k, e := range c.entries {
		if k.conversationID != conversationID {
			continue
		}
		if !now.Before(e.expiresAt) {
			e.timer.Stop()
			delete(c.entries, k)
			continue
		}
		if k.userID == requesterID {
			continue
		}
		users = append(users, k.userID)
	}
	return users
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired []key
	versions := make(map[key]uint64)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			e.timer.Stop()
			delete(c.entries, k)
			expired = append(expired, k)
			versions[k] = c.nextVersion(k)
		}
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.pub.Publish(k.conversationID, dispatch.NewTypingEvent(k.conversationID, k.userID, false, versions[k]))
	}
}

// Close stops the sweep loop and drops all indicators without publishing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for k, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, k)
	}
	c.mu.Unlock()

	close(c.done)
}
