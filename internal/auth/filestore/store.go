// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

// Package filestore implements auth.AccountStore on flat JSON files with
// write-behind flushing. Reads are served from an in-memory index that is
// updated before any write returns, so a caller always reads its own
// writes even while the disk copy lags.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/worldauth/worldauth/internal/auth"
	"github.com/worldauth/worldauth/pkg/errutil"
)

// Flush loop defaults.
const (
	DefaultFlushInterval = 5 * time.Second
	DefaultFlushBatch    = 100
)

const sessionsFile = "sessions.json"

// Config configures the file store.
type Config struct {
	// Dir is the root directory. Account files live under Dir/accounts,
	// sessions in Dir/sessions.json.
	Dir string

	// FlushInterval is how often dirty accounts are written to disk.
	FlushInterval time.Duration

	// FlushBatch caps how many accounts one flush cycle writes; the rest
	// stay queued for the next cycle.
	FlushBatch int
}

// record is the on-disk account shape. Kept separate from auth.Account so
// the file format can evolve independently of the domain type.
type record struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	PasswordHash  string     `json:"password_hash,omitempty"`
	Email         string     `json:"email,omitempty"`
	LastIP        string     `json:"last_ip,omitempty"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
	Verified      bool       `json:"verified"`
	Bridged       bool       `json:"bridged,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
	DeviceOS      string     `json:"device_os,omitempty"`
	VerifyToken   string     `json:"verify_token,omitempty"`
	VerifyExpires *time.Time `json:"verify_expires,omitempty"`
	Origins       []string   `json:"origins,omitempty"`
}

// sessionRecord is the on-disk session shape.
type sessionRecord struct {
	Username   string    `json:"username"`
	Token      string    `json:"token"`
	Expires    time.Time `json:"expires"`
	Origin     string    `json:"origin,omitempty"`
	PlatformID string    `json:"platform_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store implements auth.AccountStore on flat files.
type Store struct {
	mu       sync.Mutex
	dir      string
	accounts map[string]record          // canonical username -> current state
	dirty    map[string]struct{}        // accounts awaiting a disk write
	sessions map[string]auth.Session    // persisted synchronously

	flushInterval time.Duration
	flushBatch    int
	log           *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open loads the store from cfg.Dir, creating the layout if needed, and
// starts the flush loop.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, oops.Errorf("file store directory is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultFlushBatch
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, "accounts"), 0o700); err != nil {
		return nil, oops.Code("FILESTORE_OPEN_FAILED").With("dir", cfg.Dir).Wrap(err)
	}

	s := &Store{
		dir:           cfg.Dir,
		accounts:      make(map[string]record),
		dirty:         make(map[string]struct{}),
		sessions:      make(map[string]auth.Session),
		flushInterval: cfg.FlushInterval,
		flushBatch:    cfg.FlushBatch,
		log:           log,
		stopChan:      make(chan struct{}),
	}

	if err := s.loadAccounts(); err != nil {
		return nil, err
	}
	if err := s.loadSessions(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// CreateAccount stores a new account in the index and queues the disk
// write.
func (s *Store) CreateAccount(_ context.Context, acct auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.Username]; ok {
		return oops.Code("ACCOUNT_EXISTS").
			With("username", acct.Username).
			Wrap(auth.ErrAccountExists)
	}
	s.accounts[acct.Username] = toRecord(acct, nil)
	s.dirty[acct.Username] = struct{}{}
	return nil
}

// FindByUsername retrieves an account from the index.
func (s *Store) FindByUsername(_ context.Context, username string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[auth.CanonicalUsername(username)]
	if !ok {
		return auth.Account{}, oops.Code("ACCOUNT_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	return fromRecord(rec)
}

// FindByVerificationToken scans the index for an outstanding token.
func (s *Store) FindByVerificationToken(_ context.Context, token string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.accounts {
		if rec.VerifyToken != "" && rec.VerifyToken == token {
			return fromRecord(rec)
		}
	}
	return auth.Account{}, oops.Code("VERIFY_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// UpdateLoginMeta records the login origin and time and appends the origin
// to the account's origin history.
func (s *Store) UpdateLoginMeta(_ context.Context, username, origin string, at time.Time) error {
	return s.update(username, func(rec record) record {
		rec.LastIP = origin
		rec.LastLogin = &at
		if origin != "" && !contains(rec.Origins, origin) {
			rec.Origins = append(rec.Origins, origin)
		}
		return rec
	})
}

// UpdatePasswordHash replaces the stored hash.
func (s *Store) UpdatePasswordHash(_ context.Context, username, hash string) error {
	return s.update(username, func(rec record) record {
		rec.PasswordHash = hash
		return rec
	})
}

// UpdateDeviceInfo refreshes bridged device metadata.
func (s *Store) UpdateDeviceInfo(_ context.Context, username, deviceID, deviceOS string) error {
	return s.update(username, func(rec record) record {
		rec.DeviceID = deviceID
		rec.DeviceOS = deviceOS
		return rec
	})
}

// LinkBridgedIdentity attaches an external platform id.
func (s *Store) LinkBridgedIdentity(_ context.Context, username, externalID string) error {
	return s.update(username, func(rec record) record {
		rec.Bridged = true
		rec.ExternalID = externalID
		return rec
	})
}

// SetVerification sets the verified flag and token state.
func (s *Store) SetVerification(_ context.Context, username string, verified bool, token string, expires time.Time) error {
	return s.update(username, func(rec record) record {
		rec.Verified = verified
		rec.VerifyToken = token
		if expires.IsZero() {
			rec.VerifyExpires = nil
		} else {
			e := expires
			rec.VerifyExpires = &e
		}
		if verified {
			rec.VerifyToken = ""
			rec.VerifyExpires = nil
		}
		return rec
	})
}

// DeleteAccount removes the account from the index and deletes its file
// immediately; a delete must not resurrect on restart.
func (s *Store) DeleteAccount(_ context.Context, username string) error {
	canonical := auth.CanonicalUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[canonical]; !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("username", canonical).
			Wrap(auth.ErrNotFound)
	}
	delete(s.accounts, canonical)
	delete(s.dirty, canonical)
	delete(s.sessions, canonical)

	if err := os.Remove(s.accountPath(canonical)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return oops.Code("ACCOUNT_DELETE_FAILED").With("username", canonical).Wrap(err)
	}
	return s.writeSessionsLocked()
}

// ListStale returns usernames whose last login predates the threshold.
func (s *Store) ListStale(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var usernames []string
	for username, rec := range s.accounts {
		if rec.LastLogin != nil && rec.LastLogin.Before(olderThan) {
			usernames = append(usernames, username)
		}
	}
	return usernames, nil
}

// SaveSession persists a session synchronously, replacing any previous
// session for the username. Sessions skip the write-behind queue: a lost
// session silently re-prompts the player, but a stale one would let the
// wrong connection in.
func (s *Store) SaveSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Username] = sess
	return s.writeSessionsLocked()
}

// FindSession retrieves the persisted session for a username.
func (s *Store) FindSession(_ context.Context, username string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[auth.CanonicalUsername(username)]
	if !ok {
		return auth.Session{}, oops.Code("SESSION_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	return sess, nil
}

// UpdateSessionExpiry extends a persisted session's expiry.
func (s *Store) UpdateSessionExpiry(_ context.Context, username, token string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := auth.CanonicalUsername(username)
	sess, ok := s.sessions[canonical]
	if !ok || sess.Token != token {
		return oops.Code("SESSION_NOT_FOUND").
			With("username", canonical).
			Wrap(auth.ErrNotFound)
	}
	sess.Expires = expires
	s.sessions[canonical] = sess
	return s.writeSessionsLocked()
}

// DeleteSessions removes all persisted sessions for a username.
func (s *Store) DeleteSessions(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, auth.CanonicalUsername(username))
	return s.writeSessionsLocked()
}

// DeleteExpiredSessions removes sessions that expired before now.
func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for username, sess := range s.sessions {
		if sess.IsExpiredAt(now) {
			delete(s.sessions, username)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.writeSessionsLocked()
}

// Kind identifies the backend.
func (s *Store) Kind() string { return "file" }

// Close stops the flush loop and writes everything still queued.
func (s *Store) Close(context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked(len(s.dirty))
	if len(s.dirty) > 0 {
		return oops.Code("FILESTORE_CLOSE_FAILED").
			With("pending", len(s.dirty)).
			Errorf("accounts still unflushed after close")
	}
	return nil
}

// FlushNow writes every queued account immediately. Exposed for tests and
// operator tooling.
func (s *Store) FlushNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked(len(s.dirty))
}

// PendingWrites returns the number of accounts awaiting a disk write.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

func (s *Store) update(username string, fn func(record) record) error {
	canonical := auth.CanonicalUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[canonical]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("username", canonical).
			Wrap(auth.ErrNotFound)
	}
	s.accounts[canonical] = fn(rec)
	s.dirty[canonical] = struct{}{}
	return nil
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked(s.flushBatch)
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}

// flushLocked writes up to limit dirty accounts. Failed writes stay queued
// for the next cycle. Caller must hold s.mu.
func (s *Store) flushLocked(limit int) {
	n := 0
	for username := range s.dirty {
		if n >= limit {
			break
		}
		n++
		rec, ok := s.accounts[username]
		if !ok {
			delete(s.dirty, username)
			continue
		}
		if err := s.writeAccount(username, rec); err != nil {
			errutil.LogError(s.log, "account flush failed", err)
			continue
		}
		delete(s.dirty, username)
	}
}

// writeAccount writes one account file atomically via rename.
func (s *Store) writeAccount(username string, rec record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return oops.Code("ACCOUNT_ENCODE_FAILED").With("username", username).Wrap(err)
	}
	return s.atomicWrite(s.accountPath(username), data)
}

func (s *Store) writeSessionsLocked() error {
	recs := make([]sessionRecord, 0, len(s.sessions))
	for _, sess := range s.sessions {
		recs = append(recs, sessionRecord{
			Username:   sess.Username,
			Token:      sess.Token,
			Expires:    sess.Expires,
			Origin:     sess.Origin,
			PlatformID: sess.PlatformID,
			CreatedAt:  sess.CreatedAt,
		})
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").Wrap(err)
	}
	return s.atomicWrite(filepath.Join(s.dir, sessionsFile), data)
}

func (s *Store) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return oops.Code("FILESTORE_WRITE_FAILED").With("path", path).Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return oops.Code("FILESTORE_WRITE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

func (s *Store) loadAccounts() error {
	dir := filepath.Join(s.dir, "accounts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return oops.Code("FILESTORE_OPEN_FAILED").With("dir", dir).Wrap(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return oops.Code("FILESTORE_OPEN_FAILED").With("file", entry.Name()).Wrap(err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return oops.Code("FILESTORE_CORRUPT_RECORD").With("file", entry.Name()).Wrap(err)
		}
		s.accounts[rec.Username] = rec
	}
	return nil
}

func (s *Store) loadSessions() error {
	data, err := os.ReadFile(filepath.Join(s.dir, sessionsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return oops.Code("FILESTORE_OPEN_FAILED").With("file", sessionsFile).Wrap(err)
	}
	var recs []sessionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return oops.Code("FILESTORE_CORRUPT_RECORD").With("file", sessionsFile).Wrap(err)
	}
	for _, rec := range recs {
		s.sessions[rec.Username] = auth.Session{
			Username:   rec.Username,
			Token:      rec.Token,
			Expires:    rec.Expires,
			Origin:     rec.Origin,
			PlatformID: rec.PlatformID,
			CreatedAt:  rec.CreatedAt,
		}
	}
	return nil
}

func (s *Store) accountPath(username string) string {
	return filepath.Join(s.dir, "accounts", username+".json")
}

func toRecord(acct auth.Account, origins []string) record {
	rec := record{
		ID:           acct.ID.String(),
		Username:     acct.Username,
		PasswordHash: acct.PasswordHash,
		Email:        acct.Email,
		LastIP:       acct.LastIP,
		RegisteredAt: acct.RegisteredAt,
		Verified:     acct.Verified,
		Bridged:      acct.Bridged,
		ExternalID:   acct.ExternalID,
		DeviceID:     acct.DeviceID,
		DeviceOS:     acct.DeviceOS,
		VerifyToken:  acct.VerifyToken,
		Origins:      origins,
	}
	if !acct.LastLogin.IsZero() {
		t := acct.LastLogin
		rec.LastLogin = &t
	}
	if !acct.VerifyExpires.IsZero() {
		t := acct.VerifyExpires
		rec.VerifyExpires = &t
	}
	if acct.LastIP != "" && !contains(rec.Origins, acct.LastIP) {
		rec.Origins = append(rec.Origins, acct.LastIP)
	}
	return rec
}

func fromRecord(rec record) (auth.Account, error) {
	id, err := ulid.Parse(rec.ID)
	if err != nil {
		return auth.Account{}, oops.Code("FILESTORE_CORRUPT_RECORD").
			With("username", rec.Username).
			Wrap(err)
	}
	acct := auth.Account{
		ID:           id,
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		Email:        rec.Email,
		LastIP:       rec.LastIP,
		RegisteredAt: rec.RegisteredAt,
		Verified:     rec.Verified,
		Bridged:      rec.Bridged,
		ExternalID:   rec.ExternalID,
		DeviceID:     rec.DeviceID,
		DeviceOS:     rec.DeviceOS,
		VerifyToken:  rec.VerifyToken,
	}
	if rec.LastLogin != nil {
		acct.LastLogin = *rec.LastLogin
	}
	if rec.VerifyExpires != nil {
		acct.VerifyExpires = *rec.VerifyExpires
	}
	return acct, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
