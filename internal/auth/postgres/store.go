// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

// Package postgres implements auth.AccountStore on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/worldauth/worldauth/internal/auth"
)

// DB is the pgxpool.Pool surface the store uses. Narrowed to an interface
// so tests can substitute a pgxmock pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements auth.AccountStore using PostgreSQL.
type Store struct {
	db DB
}

// NewStore creates a Store over an open pool.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const accountColumns = `id, username, password_hash, email, last_ip, last_login,
	registered_at, verified, bridged, external_id, device_id, device_os,
	verify_token, verify_expires`

// CreateAccount inserts a new account. A username collision surfaces as
// auth.ErrAccountExists.
func (s *Store) CreateAccount(ctx context.Context, acct auth.Account) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, username, password_hash, email, last_ip, last_login,
			registered_at, verified, bridged, external_id, device_id, device_os,
			verify_token, verify_expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, acct.ID.String(), acct.Username, acct.PasswordHash, acct.Email, acct.LastIP,
		nullableTime(acct.LastLogin), acct.RegisteredAt, acct.Verified, acct.Bridged,
		acct.ExternalID, acct.DeviceID, acct.DeviceOS,
		acct.VerifyToken, nullableTime(acct.VerifyExpires))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_EXISTS").
				With("username", acct.Username).
				Wrap(auth.ErrAccountExists)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").With("username", acct.Username).Wrap(err)
	}
	return nil
}

// FindByUsername retrieves an account by canonical username.
func (s *Store) FindByUsername(ctx context.Context, username string) (auth.Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`,
		auth.CanonicalUsername(username))

	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Account{}, oops.Code("ACCOUNT_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return auth.Account{}, oops.Code("ACCOUNT_GET_FAILED").With("username", username).Wrap(err)
	}
	return acct, nil
}

// FindByVerificationToken retrieves the account holding an outstanding
// verification token.
func (s *Store) FindByVerificationToken(ctx context.Context, token string) (auth.Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE verify_token = $1 AND verify_token <> ''`,
		token)

	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Account{}, oops.Code("VERIFY_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return auth.Account{}, oops.Code("ACCOUNT_GET_FAILED").Wrap(err)
	}
	return acct, nil
}

// UpdateLoginMeta records a login's origin and timestamp and upserts the
// per-origin history row.
func (s *Store) UpdateLoginMeta(ctx context.Context, username, origin string, at time.Time) error {
	canonical := auth.CanonicalUsername(username)

	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET last_ip = $2, last_login = $3 WHERE username = $1`,
		canonical, origin, at)
	if err != nil {
		return oops.Code("LOGIN_META_UPDATE_FAILED").With("username", canonical).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("username", canonical).Wrap(auth.ErrNotFound)
	}

	if origin == "" {
		return nil
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO origin_history (origin, username, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (origin, username)
		DO UPDATE SET last_seen = EXCLUDED.last_seen, count = origin_history.count + 1
	`, origin, canonical, at)
	if err != nil {
		return oops.Code("ORIGIN_HISTORY_UPDATE_FAILED").With("username", canonical).Wrap(err)
	}
	return nil
}

// UpdatePasswordHash replaces the stored hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	return s.updateOne(ctx, "PASSWORD_UPDATE_FAILED",
		`UPDATE accounts SET password_hash = $2 WHERE username = $1`,
		auth.CanonicalUsername(username), hash)
}

// UpdateDeviceInfo refreshes bridged device metadata.
func (s *Store) UpdateDeviceInfo(ctx context.Context, username, deviceID, deviceOS string) error {
	return s.updateOne(ctx, "DEVICE_UPDATE_FAILED",
		`UPDATE accounts SET device_id = $2, device_os = $3 WHERE username = $1`,
		auth.CanonicalUsername(username), deviceID, deviceOS)
}

// LinkBridgedIdentity attaches an external platform id to an account.
func (s *Store) LinkBridgedIdentity(ctx context.Context, username, externalID string) error {
	return s.updateOne(ctx, "BRIDGE_LINK_FAILED",
		`UPDATE accounts SET bridged = TRUE, external_id = $2 WHERE username = $1`,
		auth.CanonicalUsername(username), externalID)
}

// SetVerification sets the verified flag and token state.
func (s *Store) SetVerification(ctx context.Context, username string, verified bool, token string, expires time.Time) error {
	return s.updateOne(ctx, "VERIFICATION_UPDATE_FAILED",
		`UPDATE accounts SET verified = $2, verify_token = $3, verify_expires = $4 WHERE username = $1`,
		auth.CanonicalUsername(username), verified, token, nullableTime(expires))
}

// DeleteAccount removes an account. Sessions and origin history follow via
// ON DELETE CASCADE.
func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	canonical := auth.CanonicalUsername(username)
	tag, err := s.db.Exec(ctx, `DELETE FROM accounts WHERE username = $1`, canonical)
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").With("username", canonical).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("username", canonical).Wrap(auth.ErrNotFound)
	}
	return nil
}

// ListStale returns usernames whose last login predates the threshold.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT username FROM accounts WHERE last_login IS NOT NULL AND last_login < $1 ORDER BY last_login`,
		olderThan)
	if err != nil {
		return nil, oops.Code("STALE_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, oops.Code("STALE_LIST_FAILED").Wrap(err)
		}
		usernames = append(usernames, username)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STALE_LIST_FAILED").Wrap(err)
	}
	return usernames, nil
}

// SaveSession persists a session, replacing any previous sessions for the
// same username.
func (s *Store) SaveSession(ctx context.Context, sess auth.Session) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE username = $1`, sess.Username); err != nil {
		return oops.Code("SESSION_SAVE_FAILED").With("username", sess.Username).Wrap(err)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (username, token, expires, origin, platform_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.Username, sess.Token, sess.Expires, sess.Origin, sess.PlatformID, sess.CreatedAt)
	if err != nil {
		return oops.Code("SESSION_SAVE_FAILED").With("username", sess.Username).Wrap(err)
	}
	return nil
}

// FindSession retrieves the persisted session for a username.
func (s *Store) FindSession(ctx context.Context, username string) (auth.Session, error) {
	var sess auth.Session
	err := s.db.QueryRow(ctx, `
		SELECT username, token, expires, origin, platform_id, created_at
		FROM sessions WHERE username = $1
	`, auth.CanonicalUsername(username)).
		Scan(&sess.Username, &sess.Token, &sess.Expires, &sess.Origin, &sess.PlatformID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Session{}, oops.Code("SESSION_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return auth.Session{}, oops.Code("SESSION_GET_FAILED").With("username", username).Wrap(err)
	}
	return sess, nil
}

// UpdateSessionExpiry extends a persisted session's expiry.
func (s *Store) UpdateSessionExpiry(ctx context.Context, username, token string, expires time.Time) error {
	return s.updateOne(ctx, "SESSION_EXPIRY_UPDATE_FAILED",
		`UPDATE sessions SET expires = $3 WHERE username = $1 AND token = $2`,
		auth.CanonicalUsername(username), token, expires)
}

// DeleteSessions removes all persisted sessions for a username.
func (s *Store) DeleteSessions(ctx context.Context, username string) error {
	canonical := auth.CanonicalUsername(username)
	if _, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE username = $1`, canonical); err != nil {
		return oops.Code("SESSION_DELETE_FAILED").With("username", canonical).Wrap(err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires <= $1`, now)
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// Kind identifies the backend.
func (s *Store) Kind() string { return "postgres" }

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.db.Close()
	return nil
}

// updateOne runs an UPDATE that must touch exactly one row; zero rows maps
// to auth.ErrNotFound.
func (s *Store) updateOne(ctx context.Context, code, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code(code).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanAccount(row pgx.Row) (auth.Account, error) {
	var acct auth.Account
	var idStr string
	var lastLogin, verifyExpires *time.Time

	err := row.Scan(&idStr, &acct.Username, &acct.PasswordHash, &acct.Email,
		&acct.LastIP, &lastLogin, &acct.RegisteredAt, &acct.Verified,
		&acct.Bridged, &acct.ExternalID, &acct.DeviceID, &acct.DeviceOS,
		&acct.VerifyToken, &verifyExpires)
	if err != nil {
		return auth.Account{}, err
	}

	acct.ID, err = ulid.Parse(idStr)
	if err != nil {
		return auth.Account{}, oops.Code("ACCOUNT_CORRUPT_ID").With("id", idStr).Wrap(err)
	}
	if lastLogin != nil {
		acct.LastLogin = *lastLogin
	}
	if verifyExpires != nil {
		acct.VerifyExpires = *verifyExpires
	}
	return acct, nil
}

// nullableTime maps a zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
