// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

// Package authtest provides in-memory test doubles for the auth package.
package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/worldauth/worldauth/internal/auth"
)

// Store is an in-memory auth.AccountStore for tests. All methods are safe
// for concurrent use. Error fields let tests inject failures per
// operation.
type Store struct {
	mu       sync.Mutex
	accounts map[string]auth.Account
	sessions map[string]auth.Session

	// When set, the matching method returns this error instead of
	// operating.
	CreateErr error
	FindErr   error
	UpdateErr error
	DeleteErr error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]auth.Account),
		sessions: make(map[string]auth.Session),
	}
}

// Seed inserts an account without uniqueness checks.
func (s *Store) Seed(acct auth.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.Username] = acct
}

// Len returns the number of stored accounts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *Store) CreateAccount(_ context.Context, acct auth.Account) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.Username]; ok {
		return auth.ErrAccountExists
	}
	s.accounts[acct.Username] = acct
	return nil
}

func (s *Store) FindByUsername(_ context.Context, username string) (auth.Account, error) {
	if s.FindErr != nil {
		return auth.Account{}, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[auth.CanonicalUsername(username)]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return acct, nil
}

func (s *Store) FindByVerificationToken(_ context.Context, token string) (auth.Account, error) {
	if s.FindErr != nil {
		return auth.Account{}, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.VerifyToken != "" && acct.VerifyToken == token {
			return acct, nil
		}
	}
	return auth.Account{}, auth.ErrNotFound
}

func (s *Store) UpdateLoginMeta(_ context.Context, username, origin string, at time.Time) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.update(username, func(acct auth.Account) auth.Account {
		return acct.WithLoginMeta(origin, at)
	})
}

func (s *Store) UpdatePasswordHash(_ context.Context, username, hash string) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.update(username, func(acct auth.Account) auth.Account {
		return acct.WithPasswordHash(hash)
	})
}

func (s *Store) UpdateDeviceInfo(_ context.Context, username, deviceID, deviceOS string) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.update(username, func(acct auth.Account) auth.Account {
		return acct.WithDeviceInfo(deviceID, deviceOS)
	})
}

func (s *Store) LinkBridgedIdentity(_ context.Context, username, externalID string) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.update(username, func(acct auth.Account) auth.Account {
		acct.Bridged = true
		acct.ExternalID = externalID
		return acct
	})
}

func (s *Store) SetVerification(_ context.Context, username string, verified bool, token string, expires time.Time) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	return s.update(username, func(acct auth.Account) auth.Account {
		return acct.WithVerification(verified, token, expires)
	})
}

func (s *Store) DeleteAccount(_ context.Context, username string) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := auth.CanonicalUsername(username)
	if _, ok := s.accounts[canonical]; !ok {
		return auth.ErrNotFound
	}
	delete(s.accounts, canonical)
	delete(s.sessions, canonical)
	return nil
}

func (s *Store) ListStale(_ context.Context, olderThan time.Time) ([]string, error) {
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for username, acct := range s.accounts {
		if !acct.LastLogin.IsZero() && acct.LastLogin.Before(olderThan) {
			stale = append(stale, username)
		}
	}
	return stale, nil
}

func (s *Store) SaveSession(_ context.Context, sess auth.Session) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Username] = sess
	return nil
}

func (s *Store) FindSession(_ context.Context, username string) (auth.Session, error) {
	if s.FindErr != nil {
		return auth.Session{}, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[auth.CanonicalUsername(username)]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) UpdateSessionExpiry(_ context.Context, username, token string, expires time.Time) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := auth.CanonicalUsername(username)
	sess, ok := s.sessions[canonical]
	if !ok || sess.Token != token {
		return auth.ErrNotFound
	}
	sess.Expires = expires
	s.sessions[canonical] = sess
	return nil
}

func (s *Store) DeleteSessions(_ context.Context, username string) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, auth.CanonicalUsername(username))
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for username, sess := range s.sessions {
		if sess.IsExpiredAt(now) {
			delete(s.sessions, username)
			n++
		}
	}
	return n, nil
}

func (s *Store) Kind() string { return "memory" }

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) update(username string, fn func(auth.Account) auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := auth.CanonicalUsername(username)
	acct, ok := s.accounts[canonical]
	if !ok {
		return auth.ErrNotFound
	}
	s.accounts[canonical] = fn(acct)
	return nil
}
