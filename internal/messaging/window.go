// ABOUTME: Edit/delete window policy gate
// ABOUTME: Pure function consulted before any mutation of an existing message

package messaging

import (
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// DefaultMutationWindow bounds how long a sender can alter conversation
// history. Edit and delete windows are configured independently; both
// default to this value.
const DefaultMutationWindow = 15 * time.Minute

// mutationAllowed decides whether requesterID may mutate msg at instant now.
// Returns nil when allowed, otherwise the taxonomy error to surface:
// ErrForbidden when the requester is not the sender, ErrNotFound when the
// message is already a tombstone, ErrWindowExpired once now-createdAt
// exceeds the window. The window check is monotone: once expired it never
// becomes allowed again.
func mutationAllowed(msg *store.Message, requesterID string, now time.Time, window time.Duration) error {
	if msg.SenderID != requesterID {
		return ErrForbidden
	}
	if msg.Deleted {
		return ErrNotFound
	}
	if now.Sub(msg.CreatedAt) > window {
		return ErrWindowExpired
	}
	return nil
}
