// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import (
	"sync"
	"time"
)

// Cache bounds.
const (
	DefaultCacheMaxEntries = 1000
	DefaultCacheIdleTTL    = 30 * time.Minute
)

type cacheEntry struct {
	account    Account
	lastAccess time.Time
}

// Cache is a bounded, idle-evicting in-memory view over AccountStore
// entries, keyed by canonical username. It is not authoritative: entries
// are snapshots that accelerate reads and are revocable at any time.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	idleTTL    time.Duration
	clock      func() time.Time
}

// NewCache creates a Cache. Zero or negative bounds fall back to
// DefaultCacheMaxEntries / DefaultCacheIdleTTL.
func NewCache(maxEntries int, idleTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if idleTTL <= 0 {
		idleTTL = DefaultCacheIdleTTL
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		clock:      time.Now,
	}
}

// Get returns the cached snapshot for username, refreshing its idle timer.
// An entry past its idle bound is evicted and reported as a miss.
func (c *Cache) Get(username string) (Account, bool) {
	canonical := CanonicalUsername(username)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[canonical]
	if !ok {
		return Account{}, false
	}

	now := c.clock()
	if now.Sub(e.lastAccess) > c.idleTTL {
		delete(c.entries, canonical)
		return Account{}, false
	}

	e.lastAccess = now
	return e.account, true
}

// Put stores a snapshot for username. When the cache is full the
// least-recently-accessed entry is evicted first.
func (c *Cache) Put(username string, acct Account) {
	canonical := CanonicalUsername(username)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[canonical]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[canonical] = &cacheEntry{
		account:    acct,
		lastAccess: c.clock(),
	}
}

// Remove drops the entry for username, if any.
func (c *Cache) Remove(username string) {
	canonical := CanonicalUsername(username)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, canonical)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries idle past the bound.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for username, e := range c.entries {
		if now.Sub(e.lastAccess) > c.idleTTL {
			delete(c.entries, username)
		}
	}
}

// evictOldestLocked removes the least-recently-accessed entry. Caller must
// hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for username, e := range c.entries {
		if first || e.lastAccess.Before(oldestAt) {
			oldestKey = username
			oldestAt = e.lastAccess
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
