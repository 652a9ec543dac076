// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"errors"

	"github.com/worldauth/worldauth/pkg/errutil"
)

// StatusSnapshot is a point-in-time operational summary for admin
// tooling.
type StatusSnapshot struct {
	Online        int
	Authenticated int
	Bridged       int
	Backend       string
}

// Unregister removes an account and everything attached to it: sessions,
// cache entry, authenticated state. Admin-only.
func (s *Service) Unregister(ctx context.Context, username string) Result {
	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	if _, err := s.lookup(ctx, canonical); err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonUnknownAccount)
		}
		errutil.LogError(s.log, "unregister: account lookup failed", err)
		return failure(ReasonStorage)
	}

	if err := s.store.DeleteAccount(ctx, canonical); err != nil {
		errutil.LogError(s.log, "unregister: delete failed", err)
		return failure(ReasonStorage)
	}

	s.registry.InvalidateAll(ctx, canonical)
	s.cache.Remove(canonical)
	s.ClearAuthenticated(canonical)

	s.log.Info("account unregistered", "username", canonical)
	return Result{Success: true}
}

// ForceLogin marks username authenticated without a credential check.
// Admin-only; the caller has already decided the player is who they claim.
func (s *Service) ForceLogin(ctx context.Context, username, origin string) Result {
	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	acct, err := s.lookup(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonUnknownAccount)
		}
		errutil.LogError(s.log, "force login: account lookup failed", err)
		return failure(ReasonStorage)
	}

	now := s.clock()
	acct = acct.WithLoginMeta(origin, now)
	s.cache.Put(canonical, acct)
	s.markAuthenticated(canonical, acct.Bridged)
	s.persistLoginMeta(canonical, origin, now)

	if s.cfg.SessionsEnabled {
		if _, err := s.registry.Create(ctx, canonical, Binding{Origin: origin}); err != nil {
			errutil.LogError(s.log, "force login: session create failed", err)
		}
	}

	s.log.Warn("forced login", "username", canonical, "origin", MaskOrigin(origin))
	return success(acct)
}

// ResetVerification issues a fresh verification token for an account with
// an email on file, replacing any previous token.
func (s *Service) ResetVerification(ctx context.Context, username string) Result {
	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	acct, err := s.lookup(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonUnknownAccount)
		}
		errutil.LogError(s.log, "reset verification: account lookup failed", err)
		return failure(ReasonStorage)
	}
	if acct.Email == "" {
		return failure(ReasonEmailRequired)
	}

	acct = s.beginVerification(ctx, acct)
	if acct.VerifyToken == "" {
		return failure(ReasonStorage)
	}
	return success(acct)
}

// Status returns a snapshot of online, authenticated, and bridged player
// counts plus the active storage backend.
func (s *Service) Status() StatusSnapshot {
	var snap StatusSnapshot
	s.online.Range(func(_, _ any) bool {
		snap.Online++
		return true
	})
	s.authed.Range(func(_, v any) bool {
		snap.Authenticated++
		if st, ok := v.(authState); ok && st.bridged {
			snap.Bridged++
		}
		return true
	})
	snap.Backend = s.store.Kind()
	return snap
}

// Cleanup sweeps expired sessions, idle cache entries, and quiet guard
// origins. Intended to run periodically from the host.
func (s *Service) Cleanup(ctx context.Context) {
	s.registry.Sweep(ctx)
	s.cache.Sweep()
	s.guard.Sweep()
}

// ListStaleAccounts returns usernames whose last login is older than the
// cutoff, for operator review before purging.
func (s *Service) ListStaleAccounts(ctx context.Context, olderThan int) ([]string, error) {
	cutoff := s.clock().AddDate(0, 0, -olderThan)
	return s.store.ListStale(ctx, cutoff)
}
