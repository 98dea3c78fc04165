// ABOUTME: Error taxonomy for the messaging core
// ABOUTME: Sentinel errors surfaced verbatim to callers for user-facing mapping

package messaging

import "errors"

var (
	// ErrNotFound: unknown conversation, message, or user.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: non-participant access, or edit/delete by a non-sender.
	ErrForbidden = errors.New("forbidden")

	// ErrWindowExpired: edit/delete attempted past the allowed period.
	ErrWindowExpired = errors.New("mutation window expired")

	// ErrValidation: empty or oversized content, or otherwise malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict: transient race on conversation creation. Retried once
	// internally before surfacing.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable: the durable store is temporarily unreachable.
	ErrUnavailable = errors.New("temporarily unavailable")
)
