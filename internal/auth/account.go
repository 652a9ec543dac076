// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 16
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// externalIDRegex matches the 16-digit external ids issued by the bridged
// platform's identity service.
var externalIDRegex = regexp.MustCompile(`^[0-9]{16}$`)

// Account is the durable record identifying a player. It is a value type:
// updates go through the With* copy helpers rather than in-place mutation,
// so a snapshot handed to a caller never changes under it.
type Account struct {
	ID           ulid.ULID
	Username     string // canonical lowercase, unique key
	PasswordHash string // empty for bridged accounts
	Email        string
	LastIP       string
	LastLogin    time.Time
	RegisteredAt time.Time
	Verified     bool

	// Bridged-identity fields. Bridged accounts have no password hash.
	Bridged    bool
	ExternalID string
	DeviceID   string
	DeviceOS   string

	// Email verification token state.
	VerifyToken   string
	VerifyExpires time.Time
}

// NewAccount creates a password-authenticated Account with a validated
// username and a non-empty password hash.
func NewAccount(username, passwordHash string) (Account, error) {
	canonical := CanonicalUsername(username)
	if err := ValidateUsername(canonical); err != nil {
		return Account{}, err
	}
	if passwordHash == "" {
		return Account{}, oops.Code("AUTH_EMPTY_HASH").
			With("username", canonical).
			Errorf("password hash cannot be empty")
	}
	return Account{
		ID:           ulid.Make(),
		Username:     canonical,
		PasswordHash: passwordHash,
		RegisteredAt: time.Now(),
	}, nil
}

// NewBridgedAccount creates a platform-bridged Account. Bridged accounts
// carry no password hash and are verified from the start: the platform's
// identity service already proved who the player is.
func NewBridgedAccount(username, externalID, deviceID, deviceOS string) (Account, error) {
	canonical := CanonicalUsername(username)
	if err := ValidateUsername(canonical); err != nil {
		return Account{}, err
	}
	if !ValidExternalID(externalID) {
		return Account{}, oops.Code("AUTH_INVALID_EXTERNAL_ID").
			With("username", canonical).
			Errorf("external id must be a 16-digit string")
	}
	return Account{
		ID:           ulid.Make(),
		Username:     canonical,
		RegisteredAt: time.Now(),
		Verified:     true,
		Bridged:      true,
		ExternalID:   externalID,
		DeviceID:     deviceID,
		DeviceOS:     deviceOS,
	}, nil
}

// WithLoginMeta returns a copy with the last known origin and login time set.
func (a Account) WithLoginMeta(ip string, at time.Time) Account {
	a.LastIP = ip
	a.LastLogin = at
	return a
}

// WithPasswordHash returns a copy with a new password hash.
func (a Account) WithPasswordHash(hash string) Account {
	a.PasswordHash = hash
	return a
}

// WithEmail returns a copy with the email address set.
func (a Account) WithEmail(email string) Account {
	a.Email = email
	return a
}

// WithDeviceInfo returns a copy with refreshed bridged device metadata.
func (a Account) WithDeviceInfo(deviceID, deviceOS string) Account {
	a.DeviceID = deviceID
	a.DeviceOS = deviceOS
	return a
}

// WithVerification returns a copy with the verified flag and token state set.
// Marking verified clears any outstanding token.
func (a Account) WithVerification(verified bool, token string, expires time.Time) Account {
	a.Verified = verified
	a.VerifyToken = token
	a.VerifyExpires = expires
	if verified {
		a.VerifyToken = ""
		a.VerifyExpires = time.Time{}
	}
	return a
}

// SameDevice reports whether the stored device metadata matches.
func (a Account) SameDevice(deviceID, deviceOS string) bool {
	return a.DeviceID != "" && a.DeviceOS != "" &&
		a.DeviceID == deviceID && a.DeviceOS == deviceOS
}

// VerificationExpired reports whether an outstanding verification token has
// passed its expiry.
func (a Account) VerificationExpired(now time.Time) bool {
	return a.VerifyToken != "" && now.After(a.VerifyExpires)
}

// CanonicalUsername lowercases and trims a username. All maps, locks, and
// storage keys use the canonical form.
func CanonicalUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername validates a username against rules.
// Username requirements:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters (a-z, A-Z), numbers (0-9), and underscores (_)
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// ValidExternalID reports whether s looks like a platform external id.
func ValidExternalID(s string) bool {
	return externalIDRegex.MatchString(s)
}
