package identity

import (
	"context"
	"time"
)

// UserStore persists local profile records. Implementations enforce
// uniqueness on both email and external id and surface violations as
// *Error with KindConflict; that constraint is the engine's only
// concurrency-control primitive.
type UserStore interface {
	// Create inserts u and fills its store-assigned ID and timestamps.
	Create(ctx context.Context, u *User) error
	ByID(ctx context.Context, id int64) (*User, error)
	ByExternalID(ctx context.Context, externalID string) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id int64) error
	// List returns a page ordered by id.
	List(ctx context.Context, offset, limit int) ([]*User, error)
	// All enumerates every record; used by reconciliation.
	All(ctx context.Context) ([]*User, error)
}

// TokenStore is the ledger of issued refresh credentials, keyed by
// credential hash. The hash column is unique; duplicate inserts are
// KindConflict.
type TokenStore interface {
	// Insert records a newly issued credential and fills its ID.
	Insert(ctx context.Context, t *UserToken) error
	// FindActive returns the non-revoked entry matching hash and type,
	// or KindNotFound. Expiry is the caller's check.
	FindActive(ctx context.Context, tokenHash, tokenType string) (*UserToken, error)
	// Revoke marks the entry revoked at the given instant.
	Revoke(ctx context.Context, id int64, at time.Time) error
	// DeleteByUser bulk-removes a user's entries with the given revoked
	// state; used by account deletion and cleanup sweeps.
	DeleteByUser(ctx context.Context, userID int64, revoked bool) error
}

// AuditStore appends immutable events. Append failures never reach the
// engine's callers; the Recorder swallows them.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEvent) error
	ByUser(ctx context.Context, userID int64, limit int) ([]*AuditEvent, error)
	CountByUserActionStatus(ctx context.Context, userID int64, action, status string) (int64, error)
}
