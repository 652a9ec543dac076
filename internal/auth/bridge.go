// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"errors"

	"github.com/worldauth/worldauth/pkg/errutil"
)

// BridgedJoin describes a join arriving through the platform bridge, where
// the platform has already attested the player's identity.
type BridgedJoin struct {
	Username   string
	ExternalID string
	DeviceID   string
	DeviceOS   string
	Origin     string
}

// ResolveBridgedJoin reconciles a platform-attested join against stored
// accounts:
//
//   - no account: auto-provision a bridged account and log it in
//   - bridged account with a matching external id: auto-login, refreshing
//     device metadata
//   - password account under the same username: refuse and disconnect,
//     the name belongs to a password identity
//   - bridged account with a different external id: refuse and
//     disconnect, someone else owns the name on the platform
//
// The attested external id is the credential; no password is ever
// involved on this path.
func (s *Service) ResolveBridgedJoin(ctx context.Context, join BridgedJoin) Result {
	canonical := CanonicalUsername(join.Username)
	if err := ValidateUsername(canonical); err != nil {
		return failure(ReasonInvalidUsername)
	}
	if !ValidExternalID(join.ExternalID) {
		s.log.Warn("bridged join with malformed external id",
			"username", canonical,
			"origin", MaskOrigin(join.Origin))
		return securityFailure(ReasonIdentityMismatch)
	}

	unlock := s.locks.Lock(canonical)
	defer unlock()

	acct, err := s.lookup(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.provisionBridged(ctx, canonical, join)
		}
		errutil.LogError(s.log, "bridged join: account lookup failed", err)
		return failure(ReasonStorage)
	}

	if !acct.Bridged {
		s.log.Warn("bridged join refused: username belongs to a password account",
			"username", canonical,
			"origin", MaskOrigin(join.Origin))
		return securityFailure(ReasonPasswordAccount)
	}

	if acct.ExternalID != join.ExternalID {
		s.log.Warn("bridged join refused: external id mismatch",
			"username", canonical,
			"origin", MaskOrigin(join.Origin))
		return securityFailure(ReasonIdentityMismatch)
	}

	return s.bridgedLogin(ctx, acct, join)
}

// provisionBridged creates and logs in a new bridged account. Provisioning
// races resolve at the store's uniqueness check; the loser re-reads and
// retries reconciliation against the winner's account.
func (s *Service) provisionBridged(ctx context.Context, canonical string, join BridgedJoin) Result {
	acct, err := NewBridgedAccount(canonical, join.ExternalID, join.DeviceID, join.DeviceOS)
	if err != nil {
		return failure(ReasonInvalidUsername)
	}
	acct = acct.WithLoginMeta(join.Origin, s.clock())

	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			existing, lerr := s.store.FindByUsername(ctx, canonical)
			if lerr != nil {
				errutil.LogError(s.log, "bridged join: re-read after conflict failed", lerr)
				return failure(ReasonStorage)
			}
			if !existing.Bridged {
				return securityFailure(ReasonPasswordAccount)
			}
			if existing.ExternalID != join.ExternalID {
				return securityFailure(ReasonIdentityMismatch)
			}
			return s.bridgedLogin(ctx, existing, join)
		}
		errutil.LogError(s.log, "bridged join: provision failed", err)
		return failure(ReasonStorage)
	}

	s.cache.Put(canonical, acct)
	s.markAuthenticated(canonical, true)

	if s.cfg.SessionsEnabled {
		if _, err := s.registry.Create(ctx, canonical, Binding{Origin: join.Origin, PlatformID: join.ExternalID}); err != nil {
			errutil.LogError(s.log, "bridged join: session create failed", err)
		}
	}

	s.log.Info("bridged account provisioned",
		"username", canonical,
		"origin", MaskOrigin(join.Origin))
	return success(acct)
}

// bridgedLogin authenticates an existing bridged account, refreshing
// device metadata when it changed.
func (s *Service) bridgedLogin(ctx context.Context, acct Account, join BridgedJoin) Result {
	now := s.clock()
	acct = acct.WithLoginMeta(join.Origin, now)

	if !acct.SameDevice(join.DeviceID, join.DeviceOS) {
		acct = acct.WithDeviceInfo(join.DeviceID, join.DeviceOS)
		canonical := acct.Username
		s.sched.Submit(func() {
			if err := s.store.UpdateDeviceInfo(context.Background(), canonical, join.DeviceID, join.DeviceOS); err != nil {
				errutil.LogError(s.log, "bridged join: device refresh failed", err)
			}
		})
	}

	s.cache.Put(acct.Username, acct)
	s.markAuthenticated(acct.Username, true)
	s.persistLoginMeta(acct.Username, join.Origin, now)

	binding := Binding{Origin: join.Origin, PlatformID: join.ExternalID}
	if s.cfg.SessionsEnabled {
		if s.registry.Validate(ctx, acct.Username, binding) {
			if err := s.ResumeSession(ctx, acct.Username); err != nil {
				errutil.LogError(s.log, "bridged join: session resume failed", err)
			}
		} else if _, err := s.registry.Create(ctx, acct.Username, binding); err != nil {
			errutil.LogError(s.log, "bridged join: session create failed", err)
		}
	}

	s.log.Info("bridged login", "username", acct.Username, "origin", MaskOrigin(join.Origin))
	return success(acct)
}
