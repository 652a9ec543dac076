// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes = 32 // 32 random bytes, base64url encoded

	// DefaultSessionTTL is the default session lifetime.
	DefaultSessionTTL = 2 * time.Hour
)

// Binding is the context a session is tied to: the origin address the
// player connected from and, for bridged players, their platform identity.
type Binding struct {
	Origin     string
	PlatformID string
}

// Session is a time-bounded proof that re-authentication can be skipped.
// A token maps to exactly one username; a username has at most one active
// session (creating a new one supersedes the old).
type Session struct {
	Username   string
	Token      string
	Expires    time.Time
	Origin     string
	PlatformID string
	CreatedAt  time.Time
}

// NewSession creates a Session for username bound to b, expiring ttl from
// now.
func NewSession(username string, b Binding, ttl time.Duration, now time.Time) (Session, error) {
	canonical := CanonicalUsername(username)
	if canonical == "" {
		return Session{}, oops.Code("SESSION_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if ttl <= 0 {
		return Session{}, oops.Code("SESSION_INVALID_TTL").
			With("ttl", ttl).
			Errorf("session ttl must be positive")
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return Session{}, err
	}

	return Session{
		Username:   canonical,
		Token:      token,
		Expires:    now.Add(ttl),
		Origin:     b.Origin,
		PlatformID: b.PlatformID,
		CreatedAt:  now,
	}, nil
}

// IsExpiredAt reports whether the session would be expired at t.
func (s Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.Expires)
}

// WithExpiry returns a copy with a new expiry timestamp.
func (s Session) WithExpiry(t time.Time) Session {
	s.Expires = t
	return s
}

// GenerateSessionToken creates a cryptographically random opaque token.
func GenerateSessionToken() (string, error) {
	buf := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
