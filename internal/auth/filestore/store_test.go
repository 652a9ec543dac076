// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/worldauth/worldauth/internal/auth"
)

// openTest opens a store with a flush interval long enough that only
// explicit FlushNow / Close writes account files.
func openTest(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	return s
}

func testAccount(t *testing.T, username string) auth.Account {
	t.Helper()
	acct, err := auth.NewAccount(username, "somehash")
	require.NoError(t, err)
	return acct
}

func TestStore_ReadYourWrites(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir)
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))

	// The write is queued, not yet on disk.
	assert.Equal(t, 1, s.PendingWrites())
	_, err := os.Stat(filepath.Join(dir, "accounts", "steve.json"))
	assert.True(t, os.IsNotExist(err))

	// But the caller reads it back immediately.
	got, err := s.FindByUsername(ctx, "Steve")
	require.NoError(t, err)
	assert.Equal(t, "steve", got.Username)
}

func TestStore_FlushWritesFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir)
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))
	s.FlushNow()

	assert.Equal(t, 0, s.PendingWrites())
	_, err := os.Stat(filepath.Join(dir, "accounts", "steve.json"))
	assert.NoError(t, err)
}

func TestStore_CloseFlushesAndReloads(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTest(t, dir)
	acct := testAccount(t, "steve")
	require.NoError(t, s.CreateAccount(ctx, acct))
	require.NoError(t, s.UpdateLoginMeta(ctx, "steve", "1.2.3.4", time.Now()))
	require.NoError(t, s.Close(ctx))

	reopened := openTest(t, dir)
	defer func() { require.NoError(t, reopened.Close(ctx)) }()

	got, err := reopened.FindByUsername(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "1.2.3.4", got.LastIP)
}

func TestStore_CreateDuplicate(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))
	err := s.CreateAccount(ctx, testAccount(t, "steve"))
	assert.ErrorIs(t, err, auth.ErrAccountExists)
}

func TestStore_UpdateUnknown(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()

	err := s.UpdatePasswordHash(context.Background(), "nobody", "hash")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestStore_DeleteAccountRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir)
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))
	s.FlushNow()

	require.NoError(t, s.DeleteAccount(ctx, "steve"))

	_, err := s.FindByUsername(ctx, "steve")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, statErr := os.Stat(filepath.Join(dir, "accounts", "steve.json"))
	assert.True(t, os.IsNotExist(statErr), "delete is immediate, not write-behind")
	assert.Equal(t, 0, s.PendingWrites())
}

func TestStore_FindByVerificationToken(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))
	require.NoError(t, s.SetVerification(ctx, "steve", false, "tok123", time.Now().Add(time.Hour)))

	got, err := s.FindByVerificationToken(ctx, "tok123")
	require.NoError(t, err)
	assert.Equal(t, "steve", got.Username)

	_, err = s.FindByVerificationToken(ctx, "other")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestStore_SessionsPersistSynchronously(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTest(t, dir)
	sess, err := auth.NewSession("steve", auth.Binding{Origin: "1.2.3.4"}, time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, sess))

	// On disk before any flush cycle.
	_, statErr := os.Stat(filepath.Join(dir, "sessions.json"))
	assert.NoError(t, statErr)
	require.NoError(t, s.Close(ctx))

	reopened := openTest(t, dir)
	defer func() { require.NoError(t, reopened.Close(ctx)) }()

	got, err := reopened.FindSession(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, sess.Token, got.Token)
}

func TestStore_UpdateSessionExpiry(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	sess, err := auth.NewSession("steve", auth.Binding{}, time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, sess))

	renewed := sess.Expires.Add(time.Hour)
	require.NoError(t, s.UpdateSessionExpiry(ctx, "steve", sess.Token, renewed))

	got, err := s.FindSession(ctx, "steve")
	require.NoError(t, err)
	assert.True(t, got.Expires.Equal(renewed))

	err = s.UpdateSessionExpiry(ctx, "steve", "wrong-token", renewed)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestStore_DeleteExpiredSessions(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()
	now := time.Now()

	expired, err := auth.NewSession("steve", auth.Binding{}, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	live, err := auth.NewSession("alex", auth.Binding{}, time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, expired))
	require.NoError(t, s.SaveSession(ctx, live))

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindSession(ctx, "steve")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = s.FindSession(ctx, "alex")
	assert.NoError(t, err)
}

func TestStore_ListStale(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "oldtimer")))
	require.NoError(t, s.UpdateLoginMeta(ctx, "oldtimer", "1.2.3.4", time.Now().AddDate(0, 0, -120)))
	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "regular")))
	require.NoError(t, s.UpdateLoginMeta(ctx, "regular", "1.2.3.4", time.Now()))
	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "neverlogged")))

	stale, err := s.ListStale(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, []string{"oldtimer"}, stale)
}

func TestStore_OriginHistoryAccumulates(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, testAccount(t, "steve")))
	require.NoError(t, s.UpdateLoginMeta(ctx, "steve", "1.2.3.4", time.Now()))
	require.NoError(t, s.UpdateLoginMeta(ctx, "steve", "5.6.7.8", time.Now()))
	require.NoError(t, s.UpdateLoginMeta(ctx, "steve", "1.2.3.4", time.Now()))
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "accounts", "steve.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1.2.3.4"`)
	assert.Contains(t, string(data), `"5.6.7.8"`)
}

func TestStore_FlushBatchLimit(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, FlushInterval: time.Hour, FlushBatch: 2}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	ctx := context.Background()

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		require.NoError(t, s.CreateAccount(ctx, testAccount(t, name)))
	}

	s.mu.Lock()
	s.flushLocked(s.flushBatch)
	s.mu.Unlock()

	assert.Equal(t, 1, s.PendingWrites(), "one account remains for the next cycle")
}

func TestStore_Kind(t *testing.T) {
	s := openTest(t, t.TempDir())
	defer func() { require.NoError(t, s.Close(context.Background())) }()
	assert.Equal(t, "file", s.Kind())
}

func TestStore_CloseStopsFlushLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := Open(Config{Dir: t.TempDir(), FlushInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(context.Background(), testAccount(t, "steve")))
	require.NoError(t, s.Close(context.Background()))
}
