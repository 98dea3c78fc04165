// ABOUTME: Conversation directory: lookup and idempotent creation of two-party conversations
// ABOUTME: Concurrent get-or-create resolves races via atomic insert plus retry lookup

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// Directory resolves which conversations a user belongs to and creates
// conversations idempotently per participant pair.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// NewDirectory creates a conversation directory. Pass nil logger for default.
func NewDirectory(st store.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  st,
		logger: logger.With("component", "directory"),
	}
}

// ListConversations returns the user's conversations ordered by last
// activity, each annotated with the other participant's profile and the
// derived unread count. Read-only, no side effects.
func (d *Directory) ListConversations(ctx context.Context, userID string) ([]*store.ConversationSummary, error) {
	if _, err := d.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sums, err := d.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sums, nil
}

// Authorize checks that the conversation exists and the user participates in
// it. Returns ErrNotFound for a missing conversation and ErrForbidden for a
// non-participant.
func (d *Directory) Authorize(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: user %s is not a participant", ErrForbidden, userID)
	}
	return conv, nil
}

// GetOrCreateConversation returns the existing conversation between the two
// users, or atomically creates one (with both participant rows). Safe under
// concurrent calls from both users: creation races resolve against the
// unique participant-pair key, and the loser retries the lookup and
// receives the winner's row. ErrConflict only surfaces if the retry fails
// too.
func (d *Directory) GetOrCreateConversation(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("%w: conversation requires two distinct users", ErrValidation)
	}

	for _, id := range []string{userA, userB} {
		if _, err := d.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	conv, err := d.store.GetConversationByPair(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	a, b := store.NormalizePair(userA, userB)
	now := time.Now()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		UserA:          a,
		UserB:          b,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err = d.store.CreateConversation(ctx, conv)
	if err == nil {
		d.logger.Debug("conversation created",
			"conversation_id", conv.ID,
			"user_a", a,
			"user_b", b)
		return conv, nil
	}
	if !errors.Is(err, store.ErrDuplicateConversation) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Lost the creation race: the other participant's insert won. Retry the
	// lookup once and hand back the now-existing row.
	d.logger.Debug("conversation creation hit duplicate, retrying lookup",
		"user_a", a,
		"user_b", b)
	existing, lookupErr := d.store.GetConversationByPair(ctx, userA, userB)
	if lookupErr == nil {
		return existing, nil
	}
	d.logger.Error("retry lookup failed after duplicate error",
		"lookup_error", lookupErr)
	return nil, fmt.Errorf("%w: conversation creation race", ErrConflict)
}
