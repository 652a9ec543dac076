// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/worldauth/worldauth/pkg/errutil"
)

// ServiceConfig configures the service facade.
type ServiceConfig struct {
	// SessionsEnabled turns session short-circuiting on joins on or off.
	SessionsEnabled bool

	// AutoLoginAfterRegister marks a freshly registered player
	// authenticated and issues a session immediately.
	AutoLoginAfterRegister bool

	// RequireEmail rejects registrations without an email address.
	RequireEmail bool

	// EmailVerification generates and records verification tokens on
	// registration and hands them to the Notifier.
	EmailVerification bool

	// InvalidateSessionsOnPasswordChange destroys every session for the
	// username after a successful password change.
	InvalidateSessionsOnPasswordChange bool

	// AuthTimeout is how long a joined player may stay unauthenticated
	// before the WatchDeadline callback fires. Defaults to
	// DefaultAuthTimeout.
	AuthTimeout time.Duration

	// VerifyTokenTTL is the email verification token lifetime. Defaults to
	// DefaultVerifyTokenTTL.
	VerifyTokenTTL time.Duration
}

// DefaultAuthTimeout is the default authentication deadline after join.
const DefaultAuthTimeout = time.Minute

// authState is the per-username record behind IsAuthenticated.
type authState struct {
	bridged bool
}

// Service bundles the credential-and-session authority behind explicit
// dependencies: no component is reachable through package state, every
// operation receives what it needs by parameter or field.
//
// Mutating operations (Register, Login, ChangePassword, bridged
// resolution, Unregister) are serialized per canonical username through a
// keyed mutex. IsAuthenticated reads a concurrent map and never touches
// storage: it is evaluated on movement and chat hot paths.
type Service struct {
	store    AccountStore
	registry *Registry
	guard    *Guard
	policy   *Policy
	cache    *Cache
	sched    Scheduler
	notifier Notifier
	cfg      ServiceConfig
	log      *slog.Logger
	clock    func() time.Time

	locks   *keyedMutex
	authed  sync.Map // canonical username -> authState
	online  sync.Map // canonical username -> struct{}
	metrics MetricsRecorder
}

// MetricsRecorder receives authentication outcomes for export. A nil
// recorder disables recording. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordLogin(result string)
	RecordRegistration(result string)
	RecordSessionResume()
}

// SetMetrics attaches an outcome recorder. Call before the service
// handles traffic.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

func metricResult(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// NewService creates a Service. store, registry, guard, policy, and cache
// are required; sched defaults to a GoScheduler and notifier may be nil
// (verification tokens are still recorded, just not delivered).
func NewService(
	store AccountStore,
	registry *Registry,
	guard *Guard,
	policy *Policy,
	cache *Cache,
	sched Scheduler,
	notifier Notifier,
	cfg ServiceConfig,
	log *slog.Logger,
) (*Service, error) {
	switch {
	case store == nil:
		return nil, oops.Errorf("account store is required")
	case registry == nil:
		return nil, oops.Errorf("session registry is required")
	case guard == nil:
		return nil, oops.Errorf("rate limit guard is required")
	case policy == nil:
		return nil, oops.Errorf("credential policy is required")
	case cache == nil:
		return nil, oops.Errorf("identity cache is required")
	}
	if sched == nil {
		sched = NewGoScheduler()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.VerifyTokenTTL <= 0 {
		cfg.VerifyTokenTTL = DefaultVerifyTokenTTL
	}

	return &Service{
		store:    store,
		registry: registry,
		guard:    guard,
		policy:   policy,
		cache:    cache,
		sched:    sched,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
		locks:    newKeyedMutex(),
	}, nil
}

// Register creates a password-authenticated account. Exactly one of two
// concurrent calls for the same username succeeds; the loser observes a
// conflict, both from the per-username lock in-process and from the
// storage-layer uniqueness check across processes.
func (s *Service) Register(ctx context.Context, username, password, confirm, email, origin string) Result {
	res := s.register(ctx, username, password, confirm, email, origin)
	if s.metrics != nil {
		s.metrics.RecordRegistration(metricResult(res.Success))
	}
	return res
}

func (s *Service) register(ctx context.Context, username, password, confirm, email, origin string) Result {
	canonical := CanonicalUsername(username)
	if err := ValidateUsername(canonical); err != nil {
		return failure(ReasonInvalidUsername)
	}

	unlock := s.locks.Lock(canonical)
	defer unlock()

	if password != confirm {
		return failure(ReasonPasswordMismatch)
	}
	if err := s.policy.Validate(password); err != nil {
		return failure(ReasonWeakPassword)
	}
	if email == "" && s.cfg.RequireEmail {
		return failure(ReasonEmailRequired)
	}
	if email != "" && !ValidEmail(email) {
		return failure(ReasonInvalidEmail)
	}

	if _, err := s.lookup(ctx, canonical); err == nil {
		return failure(ReasonAlreadyRegistered)
	} else if !errors.Is(err, ErrNotFound) {
		errutil.LogError(s.log, "register: account lookup failed", err)
		return failure(ReasonStorage)
	}

	hash, err := s.policy.Hash(password)
	if err != nil {
		errutil.LogError(s.log, "register: hashing failed", err)
		return failure(ReasonStorage)
	}

	acct, err := NewAccount(canonical, hash)
	if err != nil {
		return failure(ReasonInvalidUsername)
	}
	acct = acct.WithEmail(email).WithLoginMeta(origin, s.clock())

	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return failure(ReasonAlreadyRegistered)
		}
		errutil.LogError(s.log, "register: create account failed", err)
		return failure(ReasonStorage)
	}
	s.cache.Put(canonical, acct)

	if email != "" && s.cfg.EmailVerification {
		acct = s.beginVerification(ctx, acct)
	}

	if s.cfg.AutoLoginAfterRegister {
		s.markAuthenticated(canonical, false)
		if s.cfg.SessionsEnabled {
			if _, err := s.registry.Create(ctx, canonical, Binding{Origin: origin}); err != nil {
				errutil.LogError(s.log, "register: session create failed", err)
			}
		}
	}

	s.log.Info("account registered",
		"username", canonical,
		"origin", MaskOrigin(origin),
		"email", email != "")
	return success(acct)
}

// Login authenticates a password account. The origin guard is consulted
// first: a banned or throttled origin is refused before any credential
// work happens.
func (s *Service) Login(ctx context.Context, username, password, origin string) Result {
	res := s.login(ctx, username, password, origin)
	if s.metrics != nil {
		s.metrics.RecordLogin(metricResult(res.Success))
	}
	return res
}

func (s *Service) login(ctx context.Context, username, password, origin string) Result {
	if !s.guard.Allow(origin) {
		s.log.Warn("login refused: origin banned or throttled",
			"origin", MaskOrigin(origin))
		return securityFailure(ReasonOriginBanned)
	}

	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	if s.IsAuthenticated(canonical) {
		return failure(ReasonAlreadyLoggedIn)
	}

	acct, err := s.lookup(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonUnknownAccount)
		}
		errutil.LogError(s.log, "login: account lookup failed", err)
		return failure(ReasonStorage)
	}

	if acct.Bridged {
		return failure(ReasonBridgedAccount)
	}

	if !s.policy.Verify(password, acct.PasswordHash) {
		s.guard.RecordFailure(origin)
		s.log.Info("login failed: wrong password",
			"username", canonical,
			"origin", MaskOrigin(origin))
		return failure(ReasonWrongPassword)
	}

	s.guard.ResetOnSuccess(origin)

	now := s.clock()
	acct = acct.WithLoginMeta(origin, now)
	s.cache.Put(canonical, acct)
	s.markAuthenticated(canonical, false)

	// Durable login metadata is best-effort and leaves the caller's path.
	s.persistLoginMeta(canonical, origin, now)

	if s.cfg.SessionsEnabled {
		if _, err := s.registry.Create(ctx, canonical, Binding{Origin: origin}); err != nil {
			errutil.LogError(s.log, "login: session create failed", err)
		}
	}

	s.log.Info("login succeeded", "username", canonical, "origin", MaskOrigin(origin))
	return success(acct)
}

// Logout clears authenticated state and invalidates the session.
func (s *Service) Logout(ctx context.Context, username string) Result {
	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	if !s.IsAuthenticated(canonical) {
		return failure(ReasonNotLoggedIn)
	}

	s.ClearAuthenticated(canonical)
	s.registry.Invalidate(ctx, canonical)
	s.log.Info("logged out", "username", canonical)
	return Result{Success: true}
}

// ChangePassword verifies the old password, validates and stores the new
// one. On any failure the stored hash is untouched.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) Result {
	canonical := CanonicalUsername(username)
	unlock := s.locks.Lock(canonical)
	defer unlock()

	if !s.IsAuthenticated(canonical) {
		return failure(ReasonNotLoggedIn)
	}

	acct, err := s.lookup(ctx, canonical)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ReasonUnknownAccount)
		}
		errutil.LogError(s.log, "change password: account lookup failed", err)
		return failure(ReasonStorage)
	}

	if acct.Bridged {
		return failure(ReasonBridgedAccount)
	}
	if !s.policy.Verify(oldPassword, acct.PasswordHash) {
		return failure(ReasonWrongPassword)
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return failure(ReasonWeakPassword)
	}

	hash, err := s.policy.Hash(newPassword)
	if err != nil {
		errutil.LogError(s.log, "change password: hashing failed", err)
		return failure(ReasonStorage)
	}

	if err := s.store.UpdatePasswordHash(ctx, canonical, hash); err != nil {
		errutil.LogError(s.log, "change password: store update failed", err)
		return failure(ReasonStorage)
	}

	acct = acct.WithPasswordHash(hash)
	s.cache.Put(canonical, acct)

	if s.cfg.InvalidateSessionsOnPasswordChange {
		s.registry.InvalidateAll(ctx, canonical)
	}

	s.log.Info("password changed", "username", canonical)
	return success(acct)
}

// HasValidSession reports whether username holds a live session matching
// the join's binding context. Consulted first on join so a returning
// player skips re-authentication.
func (s *Service) HasValidSession(ctx context.Context, username string, b Binding) bool {
	if !s.cfg.SessionsEnabled {
		return false
	}
	return s.registry.Validate(ctx, username, b)
}

// ResumeSession reactivates authenticated state and slides the session
// expiry forward. The renewed expiry is durable before this returns nil.
func (s *Service) ResumeSession(ctx context.Context, username string) error {
	canonical := CanonicalUsername(username)

	sess, err := s.registry.Resume(ctx, canonical)
	if err != nil {
		return err
	}

	bridged := false
	if acct, ok := s.cache.Get(canonical); ok {
		bridged = acct.Bridged
	}
	s.markAuthenticated(canonical, bridged)
	s.persistLoginMeta(canonical, sess.Origin, s.clock())
	if s.metrics != nil {
		s.metrics.RecordSessionResume()
	}

	s.log.Info("session resumed", "username", canonical)
	return nil
}

// IsAuthenticated reports whether the player has proven their identity in
// this connection (or resumed a session). Non-blocking and O(1): the
// world-protection layer calls this on every guarded action.
func (s *Service) IsAuthenticated(username string) bool {
	_, ok := s.authed.Load(CanonicalUsername(username))
	return ok
}

// MarkAuthenticated flags the player as authenticated. The bridged flag is
// taken from the cached account when available.
func (s *Service) MarkAuthenticated(username string) {
	canonical := CanonicalUsername(username)
	bridged := false
	if acct, ok := s.cache.Get(canonical); ok {
		bridged = acct.Bridged
	}
	s.markAuthenticated(canonical, bridged)
}

// ClearAuthenticated removes the authenticated flag.
func (s *Service) ClearAuthenticated(username string) {
	s.authed.Delete(CanonicalUsername(username))
}

// NoteJoin records presence for the status snapshot and arms the
// authentication deadline bookkeeping.
func (s *Service) NoteJoin(username string) {
	s.online.Store(CanonicalUsername(username), struct{}{})
}

// NoteQuit removes presence.
func (s *Service) NoteQuit(username string) {
	s.online.Delete(CanonicalUsername(username))
}

// WatchDeadline submits a delayed check: if the player is still online and
// unauthenticated when it fires, onExpire runs (the host typically kicks).
// Submitted work cannot be cancelled, so the check re-reads state at fire
// time; the player may have authenticated or left by then.
func (s *Service) WatchDeadline(username string, onExpire func()) {
	canonical := CanonicalUsername(username)
	s.sched.SubmitDelayed(func() {
		if _, online := s.online.Load(canonical); !online {
			return
		}
		if s.IsAuthenticated(canonical) {
			return
		}
		s.log.Warn("authentication deadline expired", "username", canonical)
		onExpire()
	}, s.cfg.AuthTimeout)
}

func (s *Service) markAuthenticated(canonical string, bridged bool) {
	s.authed.Store(canonical, authState{bridged: bridged})
}

// persistLoginMeta writes login metadata off the caller's execution
// context. Best effort: a storage hiccup must not fail a login that
// already succeeded against the credential check.
func (s *Service) persistLoginMeta(canonical, origin string, at time.Time) {
	s.sched.Submit(func() {
		if err := s.store.UpdateLoginMeta(context.Background(), canonical, origin, at); err != nil {
			errutil.LogError(s.log, "login metadata persist failed", err)
		}
	})
}

// lookup reads through the identity cache into the store.
func (s *Service) lookup(ctx context.Context, canonical string) (Account, error) {
	if acct, ok := s.cache.Get(canonical); ok {
		return acct, nil
	}
	acct, err := s.store.FindByUsername(ctx, canonical)
	if err != nil {
		return Account{}, err
	}
	s.cache.Put(canonical, acct)
	return acct, nil
}
