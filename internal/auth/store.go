// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"time"
)

// AccountStore owns durable truth for accounts and persisted sessions.
// Exactly one implementation (relational or file-backed) is chosen at
// startup; call sites depend only on this interface. Implementations are
// safe for concurrent use and behave identically from the caller's
// perspective: CreateAccount reports a taken username as ErrAccountExists,
// lookups report missing rows as ErrNotFound, and neither ever panics on a
// storage conflict.
type AccountStore interface {
	// CreateAccount stores a new account. Returns ErrAccountExists when the
	// canonical username is already taken.
	CreateAccount(ctx context.Context, acct Account) error

	// FindByUsername retrieves an account by canonical username.
	FindByUsername(ctx context.Context, username string) (Account, error)

	// FindByVerificationToken retrieves the account holding an outstanding
	// email verification token.
	FindByVerificationToken(ctx context.Context, token string) (Account, error)

	// UpdateLoginMeta records the origin and timestamp of a successful
	// login, including origin history bookkeeping where supported.
	UpdateLoginMeta(ctx context.Context, username, origin string, at time.Time) error

	// UpdatePasswordHash replaces the stored password hash.
	UpdatePasswordHash(ctx context.Context, username, hash string) error

	// UpdateDeviceInfo refreshes bridged device metadata.
	UpdateDeviceInfo(ctx context.Context, username, deviceID, deviceOS string) error

	// LinkBridgedIdentity attaches an external platform id to an account.
	LinkBridgedIdentity(ctx context.Context, username, externalID string) error

	// SetVerification sets the verified flag and verification token state.
	SetVerification(ctx context.Context, username string, verified bool, token string, expires time.Time) error

	// DeleteAccount removes an account. Admin-only.
	DeleteAccount(ctx context.Context, username string) error

	// ListStale returns canonical usernames whose last login is older than
	// the threshold.
	ListStale(ctx context.Context, olderThan time.Time) ([]string, error)

	// SaveSession persists a session, superseding any previous sessions for
	// the same username.
	SaveSession(ctx context.Context, s Session) error

	// FindSession retrieves the persisted session for a username.
	FindSession(ctx context.Context, username string) (Session, error)

	// UpdateSessionExpiry extends a persisted session's expiry.
	UpdateSessionExpiry(ctx context.Context, username, token string, expires time.Time) error

	// DeleteSessions removes all persisted sessions for a username.
	DeleteSessions(ctx context.Context, username string) error

	// DeleteExpiredSessions removes sessions that expired before now and
	// returns the count of deleted rows.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Kind identifies the backend ("postgres" or "file") for status output.
	Kind() string

	// Close flushes pending writes and releases resources.
	Close(ctx context.Context) error
}
