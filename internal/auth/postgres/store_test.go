// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldauth/worldauth/internal/auth"
	"github.com/worldauth/worldauth/pkg/errutil"
)

var accountColumnNames = []string{
	"id", "username", "password_hash", "email", "last_ip", "last_login",
	"registered_at", "verified", "bridged", "external_id", "device_id",
	"device_os", "verify_token", "verify_expires",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock
}

func accountRow(acct auth.Account) *pgxmock.Rows {
	var lastLogin, verifyExpires *time.Time
	if !acct.LastLogin.IsZero() {
		lastLogin = &acct.LastLogin
	}
	if !acct.VerifyExpires.IsZero() {
		verifyExpires = &acct.VerifyExpires
	}
	return pgxmock.NewRows(accountColumnNames).AddRow(
		acct.ID.String(), acct.Username, acct.PasswordHash, acct.Email,
		acct.LastIP, lastLogin, acct.RegisteredAt, acct.Verified,
		acct.Bridged, acct.ExternalID, acct.DeviceID, acct.DeviceOS,
		acct.VerifyToken, verifyExpires)
}

func TestStore_CreateAccount(t *testing.T) {
	acct, err := auth.NewAccount("steve", "somehash")
	require.NoError(t, err)

	// pgxmock treats an expectation without WithArgs as "expects zero
	// arguments", so match each of the insert's columns with AnyArg.
	anyAccountArgs := make([]any, len(accountColumnNames))
	for i := range anyAccountArgs {
		anyAccountArgs[i] = pgxmock.AnyArg()
	}

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		wantCode  string
	}{
		{
			name: "successful insert",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(anyAccountArgs...).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
		},
		{
			name: "username collision",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(anyAccountArgs...).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
			wantErr:  auth.ErrAccountExists,
			wantCode: "ACCOUNT_EXISTS",
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(anyAccountArgs...).
					WillReturnError(errors.New("connection refused"))
			},
			wantCode: "ACCOUNT_CREATE_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setupMock(mock)

			err := NewStore(mock).CreateAccount(context.Background(), acct)

			if tt.wantCode != "" {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.wantCode)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestStore_FindByUsername(t *testing.T) {
	acct, err := auth.NewAccount("steve", "somehash")
	require.NoError(t, err)
	acct = acct.WithLoginMeta("1.2.3.4", time.Now().Truncate(time.Microsecond))

	mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE username = \$1`).
		WithArgs("steve").
		WillReturnRows(accountRow(acct))

	// Lookup canonicalizes before hitting the database.
	got, err := NewStore(mock).FindByUsername(context.Background(), "Steve")
	require.NoError(t, err)

	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "steve", got.Username)
	assert.Equal(t, "1.2.3.4", got.LastIP)
	assert.True(t, acct.LastLogin.Equal(got.LastLogin))
	assert.True(t, got.VerifyExpires.IsZero(), "NULL maps to the zero time")
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_FindByUsername_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE username = \$1`).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows(accountColumnNames))

	_, err := NewStore(mock).FindByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	errutil.AssertErrorCode(t, err, "ACCOUNT_NOT_FOUND")
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_FindByUsername_CorruptID(t *testing.T) {
	mock := newMock(t)
	rows := pgxmock.NewRows(accountColumnNames).AddRow(
		"not-a-ulid", "steve", "hash", "", "", (*time.Time)(nil), time.Now(),
		false, false, "", "", "", "", (*time.Time)(nil))
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE username = \$1`).
		WithArgs("steve").
		WillReturnRows(rows)

	_, err := NewStore(mock).FindByUsername(context.Background(), "steve")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "ACCOUNT_CORRUPT_ID")
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_FindByVerificationToken_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE verify_token = \$1`).
		WithArgs("tok123").
		WillReturnRows(pgxmock.NewRows(accountColumnNames))

	_, err := NewStore(mock).FindByVerificationToken(context.Background(), "tok123")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_UpdateLoginMeta(t *testing.T) {
	at := time.Now()

	t.Run("updates account and origin history", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET last_ip = \$2, last_login = \$3`).
			WithArgs("steve", "1.2.3.4", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`INSERT INTO origin_history`).
			WithArgs("1.2.3.4", "steve", at).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := NewStore(mock).UpdateLoginMeta(context.Background(), "Steve", "1.2.3.4", at)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("empty origin skips history", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET last_ip = \$2, last_login = \$3`).
			WithArgs("steve", "", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := NewStore(mock).UpdateLoginMeta(context.Background(), "steve", "", at)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("unknown account", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET last_ip = \$2, last_login = \$3`).
			WithArgs("nobody", "1.2.3.4", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := NewStore(mock).UpdateLoginMeta(context.Background(), "nobody", "1.2.3.4", at)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestStore_UpdatePasswordHash(t *testing.T) {
	t.Run("successful update", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET password_hash = \$2`).
			WithArgs("steve", "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := NewStore(mock).UpdatePasswordHash(context.Background(), "steve", "newhash")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("unknown account", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE accounts SET password_hash = \$2`).
			WithArgs("nobody", "newhash").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := NewStore(mock).UpdatePasswordHash(context.Background(), "nobody", "newhash")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestStore_LinkBridgedIdentity(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE accounts SET bridged = TRUE, external_id = \$2`).
		WithArgs("alex", "1234567890123456").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := NewStore(mock).LinkBridgedIdentity(context.Background(), "alex", "1234567890123456")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_SetVerification(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE accounts SET verified = \$2, verify_token = \$3`).
		WithArgs("steve", true, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := NewStore(mock).SetVerification(context.Background(), "steve", true, "", time.Time{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_DeleteAccount(t *testing.T) {
	t.Run("successful delete", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM accounts WHERE username = \$1`).
			WithArgs("steve").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		err := NewStore(mock).DeleteAccount(context.Background(), "Steve")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("unknown account", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM accounts WHERE username = \$1`).
			WithArgs("nobody").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := NewStore(mock).DeleteAccount(context.Background(), "nobody")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestStore_ListStale(t *testing.T) {
	cutoff := time.Now().AddDate(0, 0, -90)

	t.Run("returns stale usernames", func(t *testing.T) {
		mock := newMock(t)
		rows := pgxmock.NewRows([]string{"username"}).
			AddRow("oldtimer").
			AddRow("ghost")
		mock.ExpectQuery(`SELECT username FROM accounts WHERE last_login IS NOT NULL`).
			WithArgs(cutoff).
			WillReturnRows(rows)

		got, err := NewStore(mock).ListStale(context.Background(), cutoff)
		require.NoError(t, err)
		assert.Equal(t, []string{"oldtimer", "ghost"}, got)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("row iteration error", func(t *testing.T) {
		mock := newMock(t)
		rows := pgxmock.NewRows([]string{"username"}).
			AddRow("oldtimer").
			RowError(0, errors.New("row iteration error"))
		mock.ExpectQuery(`SELECT username FROM accounts WHERE last_login IS NOT NULL`).
			WithArgs(cutoff).
			WillReturnRows(rows)

		_, err := NewStore(mock).ListStale(context.Background(), cutoff)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "STALE_LIST_FAILED")
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestStore_SaveSession(t *testing.T) {
	sess, err := auth.NewSession("steve", auth.Binding{Origin: "1.2.3.4"}, time.Hour, time.Now())
	require.NoError(t, err)

	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE username = \$1`).
		WithArgs("steve").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(sess.Username, sess.Token, sess.Expires, sess.Origin, sess.PlatformID, sess.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewStore(mock).SaveSession(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_FindSession(t *testing.T) {
	sess, err := auth.NewSession("steve", auth.Binding{Origin: "1.2.3.4", PlatformID: "1234567890123456"},
		time.Hour, time.Now().Truncate(time.Microsecond))
	require.NoError(t, err)

	t.Run("successful get", func(t *testing.T) {
		mock := newMock(t)
		rows := pgxmock.NewRows([]string{"username", "token", "expires", "origin", "platform_id", "created_at"}).
			AddRow(sess.Username, sess.Token, sess.Expires, sess.Origin, sess.PlatformID, sess.CreatedAt)
		mock.ExpectQuery(`SELECT .+ FROM sessions WHERE username = \$1`).
			WithArgs("steve").
			WillReturnRows(rows)

		got, err := NewStore(mock).FindSession(context.Background(), "Steve")
		require.NoError(t, err)
		assert.Equal(t, sess.Token, got.Token)
		assert.Equal(t, "1.2.3.4", got.Origin)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("not found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT .+ FROM sessions WHERE username = \$1`).
			WithArgs("nobody").
			WillReturnRows(pgxmock.NewRows([]string{"username", "token", "expires", "origin", "platform_id", "created_at"}))

		_, err := NewStore(mock).FindSession(context.Background(), "nobody")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestStore_UpdateSessionExpiry(t *testing.T) {
	expires := time.Now().Add(2 * time.Hour)

	mock := newMock(t)
	mock.ExpectExec(`UPDATE sessions SET expires = \$3`).
		WithArgs("steve", "token-1", expires).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewStore(mock).UpdateSessionExpiry(context.Background(), "steve", "token-1", expires)
	assert.ErrorIs(t, err, auth.ErrNotFound, "stale token does not renew")
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_DeleteExpiredSessions(t *testing.T) {
	now := time.Now()

	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM sessions WHERE expires <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := NewStore(mock).DeleteExpiredSessions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestStore_ImplementsAccountStore(t *testing.T) {
	mock := newMock(t)
	var _ auth.AccountStore = NewStore(mock)
	assert.Equal(t, "postgres", NewStore(mock).Kind())
}
