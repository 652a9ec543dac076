// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
)

// DefaultRegistrySweepInterval is how often expired sessions are evicted.
const DefaultRegistrySweepInterval = 5 * time.Minute

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	// TTL is the session lifetime, also used for sliding renewal on Resume.
	// Defaults to DefaultSessionTTL.
	TTL time.Duration

	// Persist mirrors sessions through the AccountStore so they survive
	// restarts.
	Persist bool

	// ValidateOrigin requires the joining origin address to match the one
	// the session was created from.
	ValidateOrigin bool

	// ValidatePlatform requires the platform identity to match for
	// bridged sessions.
	ValidatePlatform bool

	// SweepInterval is how often the background sweep runs.
	// Defaults to DefaultRegistrySweepInterval.
	SweepInterval time.Duration
}

// Registry creates, validates, renews, and invalidates sessions. In-memory
// state lives in concurrent maps so unrelated players' joins never
// serialize on a shared lock; durable rows go through the AccountStore
// when persistence is enabled.
//
// Registry runs a background sweep goroutine; call Close to stop it.
type Registry struct {
	store AccountStore
	cfg   RegistryConfig
	log   *slog.Logger
	clock func() time.Time

	sessions sync.Map // canonical username -> Session
	tokens   sync.Map // token -> canonical username

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry backed by store. The store is only
// consulted when cfg.Persist is set.
func NewRegistry(store AccountStore, cfg RegistryConfig, log *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, oops.Code("SESSION_REGISTRY_INVALID").Errorf("account store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultRegistrySweepInterval
	}

	r := &Registry{
		store:    store,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
		stopChan: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop(cfg.SweepInterval)

	return r, nil
}

// Create issues a new session for username bound to b, superseding any
// existing session. The session is persisted before Create returns when
// persistence is enabled.
func (r *Registry) Create(ctx context.Context, username string, b Binding) (Session, error) {
	canonical := CanonicalUsername(username)

	s, err := NewSession(canonical, b, r.cfg.TTL, r.clock())
	if err != nil {
		return Session{}, err
	}

	r.dropToken(canonical)
	r.sessions.Store(canonical, s)
	r.tokens.Store(s.Token, canonical)

	if r.cfg.Persist {
		if err := r.store.SaveSession(ctx, s); err != nil {
			return Session{}, oops.Code("SESSION_PERSIST_FAILED").
				With("username", canonical).
				Wrap(err)
		}
	}

	return s, nil
}

// Validate reports whether username holds a live session matching b. An
// expired session or a binding mismatch evicts the session and returns
// false. When persistence is enabled a memory miss falls back to the
// stored row and adopts it on success.
func (r *Registry) Validate(ctx context.Context, username string, b Binding) bool {
	canonical := CanonicalUsername(username)
	now := r.clock()

	if v, ok := r.sessions.Load(canonical); ok {
		s := v.(Session)
		if r.bindingValid(s, b, now) {
			return true
		}
		r.evict(ctx, canonical)
		return false
	}

	if !r.cfg.Persist {
		return false
	}

	s, err := r.store.FindSession(ctx, canonical)
	if err != nil {
		return false
	}
	if !r.bindingValid(s, b, now) {
		r.evict(ctx, canonical)
		return false
	}

	r.sessions.Store(canonical, s)
	r.tokens.Store(s.Token, canonical)
	return true
}

// Resume extends the session's expiry forward from now (sliding renewal).
// The new expiry is persisted before Resume returns success.
func (r *Registry) Resume(ctx context.Context, username string) (Session, error) {
	canonical := CanonicalUsername(username)

	v, ok := r.sessions.Load(canonical)
	if !ok {
		return Session{}, oops.Code("SESSION_NOT_FOUND").
			With("username", canonical).
			Wrap(ErrNotFound)
	}

	s := v.(Session).WithExpiry(r.clock().Add(r.cfg.TTL))

	if r.cfg.Persist {
		if err := r.store.UpdateSessionExpiry(ctx, canonical, s.Token, s.Expires); err != nil {
			return Session{}, oops.Code("SESSION_PERSIST_FAILED").
				With("username", canonical).
				Wrap(err)
		}
	}

	r.sessions.Store(canonical, s)
	return s, nil
}

// Invalidate removes the username's session from memory and storage.
func (r *Registry) Invalidate(ctx context.Context, username string) {
	r.evict(ctx, CanonicalUsername(username))
}

// InvalidateAll removes every session for the username, including stale
// persisted rows that no longer have an in-memory counterpart.
func (r *Registry) InvalidateAll(ctx context.Context, username string) {
	r.evict(ctx, CanonicalUsername(username))
}

// UsernameForToken resolves an opaque token to its username.
func (r *Registry) UsernameForToken(token string) (string, bool) {
	v, ok := r.tokens.Load(token)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Len returns the number of in-memory sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep evicts sessions whose expiry has passed and removes persisted
// rows. Exported for the admin cleanup path.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock()
	r.sessions.Range(func(k, v any) bool {
		if v.(Session).IsExpiredAt(now) {
			r.evict(ctx, k.(string))
		}
		return true
	})

	if r.cfg.Persist {
		if n, err := r.store.DeleteExpiredSessions(ctx, now); err == nil && n > 0 {
			r.log.Debug("swept expired sessions", "deleted", n)
		}
	}
}

// Close stops the background sweep goroutine and waits for it to exit.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *Registry) bindingValid(s Session, b Binding, now time.Time) bool {
	if s.IsExpiredAt(now) {
		return false
	}
	if r.cfg.ValidateOrigin && s.Origin != b.Origin {
		r.log.Debug("session origin mismatch",
			"username", s.Username,
			"expected", MaskOrigin(s.Origin),
			"got", MaskOrigin(b.Origin))
		return false
	}
	if r.cfg.ValidatePlatform && s.PlatformID != b.PlatformID {
		r.log.Debug("session platform identity mismatch", "username", s.Username)
		return false
	}
	return true
}

func (r *Registry) evict(ctx context.Context, canonical string) {
	r.dropToken(canonical)
	r.sessions.Delete(canonical)

	if r.cfg.Persist {
		if err := r.store.DeleteSessions(ctx, canonical); err != nil {
			r.log.Debug("failed to delete persisted sessions",
				"username", canonical, "error", err)
		}
	}
}

func (r *Registry) dropToken(canonical string) {
	if v, ok := r.sessions.Load(canonical); ok {
		r.tokens.Delete(v.(Session).Token)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(context.Background())
		case <-r.stopChan:
			return
		}
	}
}
