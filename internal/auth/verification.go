// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/samber/oops"

	"github.com/worldauth/worldauth/pkg/errutil"
)

// DefaultVerifyTokenTTL is the default email verification token lifetime.
const DefaultVerifyTokenTTL = 24 * time.Hour

// verifyTokenBytes is the entropy behind a verification token; tokens are
// hex-encoded, so the wire form is twice this length.
const verifyTokenBytes = 16

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidEmail reports whether address looks like a deliverable email
// address. Deliberately permissive: the verification round-trip is the
// real check.
func ValidEmail(address string) bool {
	return emailRe.MatchString(address)
}

// Notifier delivers a verification token to an account's email address.
// The core records the token whether or not delivery succeeds; a failed
// delivery is retried by re-requesting verification.
type Notifier interface {
	Notify(ctx context.Context, username, address, token string) error
}

// GenerateVerificationToken returns a random hex token.
func GenerateVerificationToken() (string, error) {
	buf := make([]byte, verifyTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("VERIFY_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// beginVerification records a fresh token against the account and hands it
// to the notifier off the caller's path. Returns the updated snapshot;
// failures are logged and leave the account unverified but intact.
func (s *Service) beginVerification(ctx context.Context, acct Account) Account {
	token, err := GenerateVerificationToken()
	if err != nil {
		errutil.LogError(s.log, "verification: token generation failed", err)
		return acct
	}
	expires := s.clock().Add(s.cfg.VerifyTokenTTL)

	if err := s.store.SetVerification(ctx, acct.Username, false, token, expires); err != nil {
		errutil.LogError(s.log, "verification: token persist failed", err)
		return acct
	}

	acct = acct.WithVerification(false, token, expires)
	s.cache.Put(acct.Username, acct)

	if s.notifier != nil {
		username, address := acct.Username, acct.Email
		s.sched.Submit(func() {
			if err := s.notifier.Notify(context.Background(), username, address, token); err != nil {
				errutil.LogError(s.log, "verification: notify failed", err)
			}
		})
	}

	return acct
}

// VerifyEmailToken consumes a verification token and marks the owning
// account verified. Expired or unknown tokens are rejected without side
// effects.
func (s *Service) VerifyEmailToken(ctx context.Context, token string) Result {
	if token == "" {
		return failure(ReasonInvalidEmail)
	}

	acct, err := s.store.FindByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonInvalidEmail)
		}
		errutil.LogError(s.log, "verify email: token lookup failed", err)
		return failure(ReasonStorage)
	}

	if acct.VerificationExpired(s.clock()) {
		return failure(ReasonInvalidEmail)
	}

	unlock := s.locks.Lock(acct.Username)
	defer unlock()

	if err := s.store.SetVerification(ctx, acct.Username, true, "", time.Time{}); err != nil {
		errutil.LogError(s.log, "verify email: store update failed", err)
		return failure(ReasonStorage)
	}

	acct = acct.WithVerification(true, "", time.Time{})
	s.cache.Put(acct.Username, acct)

	s.log.Info("email verified", "username", acct.Username)
	return success(acct)
}
