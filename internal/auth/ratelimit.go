// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Guard defaults. An origin that keeps failing moves Clean -> Throttled ->
// Banned; the ban is authoritative until expiry regardless of later
// successes.
const (
	// DefaultMaxAttempts is the number of failures that triggers a ban.
	DefaultMaxAttempts = 3

	// DefaultBanDuration is how long a banned origin stays banned.
	DefaultBanDuration = time.Hour

	// DefaultAttemptRate is the sustained attempts-per-second allowed per
	// origin (token refill rate).
	DefaultAttemptRate = 5.0

	// DefaultAttemptBurst is the token bucket capacity per origin.
	DefaultAttemptBurst = 5

	// DefaultGuardSweepInterval is the interval at which expired bans and
	// idle counters are removed to bound memory.
	DefaultGuardSweepInterval = 5 * time.Minute

	// guardIdleAge is how long an origin with no failures and a full bucket
	// is kept before the sweep drops it.
	guardIdleAge = time.Hour
)

// GuardConfig configures the per-origin rate limiter.
type GuardConfig struct {
	// MaxAttempts is the failure count that triggers a ban.
	// Defaults to DefaultMaxAttempts if zero or negative.
	MaxAttempts int

	// BanDuration is the fixed ban length. Defaults to DefaultBanDuration.
	BanDuration time.Duration

	// Rate is the sustained attempts per second. Defaults to DefaultAttemptRate.
	Rate float64

	// Burst is the token bucket capacity. Defaults to DefaultAttemptBurst.
	Burst int

	// SweepInterval is how often the background sweep runs.
	// Defaults to DefaultGuardSweepInterval.
	SweepInterval time.Duration
}

// originState tracks one origin's failure count, ban, and token bucket.
type originState struct {
	failures    int
	bannedUntil time.Time // zero when not banned
	tokens      float64
	lastCheck   time.Time
}

// Guard tracks failed attempts per origin and escalates to temporary bans.
// It is safe for concurrent use and runs a background sweep goroutine;
// call Close to stop it.
type Guard struct {
	mu          sync.Mutex
	origins     map[string]*originState
	maxAttempts int
	banDuration time.Duration
	rate        float64
	burst       int

	clock func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	originGauge prometheus.Gauge
	banCounter  prometheus.Counter
}

// NewGuard creates a Guard and starts its sweep goroutine.
func NewGuard(cfg GuardConfig) *Guard {
	return newGuard(cfg, nil)
}

// NewGuardWithRegistry creates a Guard and registers a tracked-origins
// gauge with the provided Prometheus registry.
func NewGuardWithRegistry(cfg GuardConfig, reg prometheus.Registerer) *Guard {
	return newGuard(cfg, reg)
}

func newGuard(cfg GuardConfig, reg prometheus.Registerer) *Guard {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	banDuration := cfg.BanDuration
	if banDuration <= 0 {
		banDuration = DefaultBanDuration
	}
	rate := cfg.Rate
	if rate <= 0 {
		rate = DefaultAttemptRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultAttemptBurst
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultGuardSweepInterval
	}

	g := &Guard{
		origins:     make(map[string]*originState),
		maxAttempts: maxAttempts,
		banDuration: banDuration,
		rate:        rate,
		burst:       burst,
		clock:       time.Now,
		stopChan:    make(chan struct{}),
	}

	if reg != nil {
		g.originGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldauth_guard_origins",
			Help: "Current number of tracked rate limiter origins",
		})
		g.banCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worldauth_origin_bans_total",
			Help: "Total number of origins banned for repeated failures",
		})
		reg.MustRegister(g.originGauge)
		reg.MustRegister(g.banCounter)
	}

	g.wg.Add(1)
	go g.sweepLoop(sweepInterval)

	return g
}

// Allow reports whether an attempt from origin may proceed. An expired ban
// is cleared together with the failure counter before allowing; an active
// ban denies; otherwise the origin's token bucket decides.
func (g *Guard) Allow(origin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	st := g.state(origin, now)

	if !st.bannedUntil.IsZero() {
		if now.Before(st.bannedUntil) {
			return false
		}
		// Ban served: the origin starts clean.
		st.bannedUntil = time.Time{}
		st.failures = 0
		return true
	}

	// Token bucket throttle.
	elapsed := now.Sub(st.lastCheck).Seconds()
	st.tokens += elapsed * g.rate
	if st.tokens > float64(g.burst) {
		st.tokens = float64(g.burst)
	}
	st.lastCheck = now

	if st.tokens >= 1.0 {
		st.tokens -= 1.0
		return true
	}
	return false
}

// RecordFailure increments the origin's failure counter. Crossing the
// configured threshold bans the origin for the fixed duration.
func (g *Guard) RecordFailure(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	st := g.state(origin, now)
	st.failures++
	if st.failures >= g.maxAttempts {
		if st.bannedUntil.IsZero() && g.banCounter != nil {
			g.banCounter.Inc()
		}
		st.bannedUntil = now.Add(g.banDuration)
	}
}

// ResetOnSuccess clears the origin's failure counter. An active ban stays
// in force until it expires.
func (g *Guard) ResetOnSuccess(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.origins[origin]; ok {
		st.failures = 0
	}
}

// Banned reports whether the origin is currently banned.
func (g *Guard) Banned(origin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.origins[origin]
	return ok && !st.bannedUntil.IsZero() && g.clock().Before(st.bannedUntil)
}

// Sweep removes expired bans and idle counters. Called periodically by the
// background goroutine; exported for the admin cleanup path.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	for origin, st := range g.origins {
		if !st.bannedUntil.IsZero() && now.After(st.bannedUntil) {
			st.bannedUntil = time.Time{}
			st.failures = 0
		}
		if st.bannedUntil.IsZero() && st.failures == 0 && now.Sub(st.lastCheck) > guardIdleAge {
			delete(g.origins, origin)
		}
	}
	if g.originGauge != nil {
		g.originGauge.Set(float64(len(g.origins)))
	}
}

// Close stops the background sweep goroutine and waits for it to exit.
func (g *Guard) Close() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.wg.Wait()
}

// state returns the tracked state for origin, creating it with a full
// bucket on first sight. Caller must hold g.mu.
func (g *Guard) state(origin string, now time.Time) *originState {
	st, ok := g.origins[origin]
	if !ok {
		st = &originState{
			tokens:    float64(g.burst),
			lastCheck: now,
		}
		g.origins[origin] = st
	}
	return st
}

func (g *Guard) sweepLoop(interval time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-g.stopChan:
			return
		}
	}
}

// MaskOrigin masks the low octets of an IPv4 origin for logging, e.g.
// "1.2.3.4" -> "1.2.*.*". Non-IPv4 origins are returned unchanged, empty
// origins as "unknown".
func MaskOrigin(origin string) string {
	if origin == "" {
		return "unknown"
	}
	parts := strings.Split(origin, ".")
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".*.*"
	}
	return origin
}
