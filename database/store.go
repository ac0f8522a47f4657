package database

import (
	"context"
	"errors"
)

// ErrPendingRequiresChallenge is returned by UpsertUser for StatusPending:
// pending rows are only written together with their challenge (AddPending).
var ErrPendingRequiresChallenge = errors.New("pending status requires a challenge")

// ErrNotPending is returned by ResolvePendingSuccess when the user is no
// longer pending, for example after a rescan blocked them or they left.
var ErrNotPending = errors.New("user is not pending")

// Store is the durable source of truth for user trust state. Every method is
// atomic for a single user id. Busy or unreachable backends surface as
// apperrors.ErrStoreUnavailable.
type Store interface {
	// UpsertUser inserts or updates a user with a non-pending status and
	// drops any challenge the user still had.
	UpsertUser(ctx context.Context, p UserParams) error
	GetUser(ctx context.Context, id int64) (*User, error)
	IsVerified(ctx context.Context, id int64) (bool, error)
	IsBlocked(ctx context.Context, id int64) (bool, error)

	GetPending(ctx context.Context, id int64) (*PendingChallenge, error)
	// AddPending marks the user pending and stores the challenge.
	AddPending(ctx context.Context, id, chatID int64, name, question, answer string) error
	// ResolvePendingSuccess marks a pending user verified and deletes the
	// challenge. Any other state is left alone and ErrNotPending returned.
	ResolvePendingSuccess(ctx context.Context, id int64, name string) error
	// BlockKnownUser moves an existing, not yet blocked user to blocked and
	// drops any challenge. It reports whether anything changed; unknown
	// users stay unknown.
	BlockKnownUser(ctx context.Context, id int64, username string) (bool, error)
	// RemovePending deletes the challenge; a user still pending is removed
	// with it. Verified and blocked users are untouched.
	RemovePending(ctx context.Context, id int64) error
	// RemoveUserIfBlocked deletes the user and any challenge when blocked.
	RemoveUserIfBlocked(ctx context.Context, id int64) error

	// ListBlocked and ListNonBlocked return users newest first.
	ListBlocked(ctx context.Context) ([]User, error)
	ListNonBlocked(ctx context.Context) ([]User, error)
	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// OffsetStore persists the event feed cursor.
type OffsetStore interface {
	LoadOffset(ctx context.Context, feed string) (int, error)
	SaveOffset(ctx context.Context, feed string, offset int) error
}
