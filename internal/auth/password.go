// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// OWASP-recommended argon2id parameters. Memory is the configurable work
// factor; the rest stay fixed.
const (
	argon2Time    = 1         // iterations
	argon2Threads = 4         // parallelism
	argon2SaltLen = 16        // salt length in bytes
	argon2KeyLen  = 32        // output length in bytes
	DefaultMemory = 64 * 1024 // 64 MB
)

// Password policy defaults, matching the world's registration rules.
const (
	DefaultMinPasswordLength = 8
	DefaultMaxPasswordLength = 32
)

// PolicyConfig configures password validation and hashing.
type PolicyConfig struct {
	// MinLength and MaxLength bound password length. Zero values fall back
	// to DefaultMinPasswordLength / DefaultMaxPasswordLength.
	MinLength int
	MaxLength int

	// Character class requirements.
	RequireDigit     bool
	RequireSpecial   bool
	RequireUppercase bool

	// BannedPasswords are rejected regardless of strength. Compared
	// case-insensitively.
	BannedPasswords []string

	// Memory is the argon2id memory cost in KiB. Zero falls back to
	// DefaultMemory.
	Memory uint32
}

// Policy validates password strength and produces/verifies argon2id hashes.
// Validate and Verify are pure; Policy is safe for concurrent use.
type Policy struct {
	minLength        int
	maxLength        int
	requireDigit     bool
	requireSpecial   bool
	requireUppercase bool
	banned           map[string]struct{}
	memory           uint32
}

// NewPolicy creates a Policy from config, applying defaults for zero values.
func NewPolicy(cfg PolicyConfig) *Policy {
	minLength := cfg.MinLength
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxPasswordLength
	}
	memory := cfg.Memory
	if memory == 0 {
		memory = DefaultMemory
	}

	banned := make(map[string]struct{}, len(cfg.BannedPasswords))
	for _, p := range cfg.BannedPasswords {
		banned[strings.ToLower(p)] = struct{}{}
	}

	return &Policy{
		minLength:        minLength,
		maxLength:        maxLength,
		requireDigit:     cfg.RequireDigit,
		requireSpecial:   cfg.RequireSpecial,
		requireUppercase: cfg.RequireUppercase,
		banned:           banned,
		memory:           memory,
	}
}

// specialChars is the set counted as special characters for the
// RequireSpecial rule.
const specialChars = `!@#$%^&*(),.?":{}|<>`

// Validate checks a password against the policy. Returns nil when the
// password is acceptable, or a VALIDATION error describing the first rule
// it failed.
func (p *Policy) Validate(password string) error {
	if len(password) < p.minLength {
		return oops.Code("VALIDATION_WEAK_PASSWORD").
			With("min", p.minLength).
			Errorf("password must be at least %d characters", p.minLength)
	}
	if len(password) > p.maxLength {
		return oops.Code("VALIDATION_WEAK_PASSWORD").
			With("max", p.maxLength).
			Errorf("password must be at most %d characters", p.maxLength)
	}
	if _, ok := p.banned[strings.ToLower(password)]; ok {
		return oops.Code("VALIDATION_BANNED_PASSWORD").
			Errorf("password is too common")
	}
	if p.requireDigit && !strings.ContainsAny(password, "0123456789") {
		return oops.Code("VALIDATION_WEAK_PASSWORD").
			Errorf("password must contain a digit")
	}
	if p.requireSpecial && !strings.ContainsAny(password, specialChars) {
		return oops.Code("VALIDATION_WEAK_PASSWORD").
			Errorf("password must contain a special character")
	}
	if p.requireUppercase && strings.ToLower(password) == password {
		return oops.Code("VALIDATION_WEAK_PASSWORD").
			Errorf("password must contain an uppercase letter")
	}
	return nil
}

// Hash produces an argon2id hash of the password in PHC string format:
// $argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
func (p *Policy) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, p.memory, argon2Threads, argon2KeyLen)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// Verify reports whether password matches the encoded hash. It fails
// closed: a malformed or unrecognized hash yields false, never a panic or
// an error the caller could mistake for a transient failure.
func (p *Policy) Verify(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	if threads == 0 || threads > 255 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	keyLen := len(expected)
	if keyLen <= 0 || keyLen > 1<<10 {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, uint8(threads), uint32(keyLen))

	return subtle.ConstantTimeCompare(computed, expected) == 1
}
