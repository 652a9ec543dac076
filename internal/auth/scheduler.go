// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import "time"

// Scheduler is the host's "submit work, possibly delayed" contract. The
// core never owns an event loop: storage writes that must leave the
// caller's execution context and deferred checks (authentication
// deadlines) all go through here. Submitted work runs to completion; there
// is no cancellation, so callbacks must check that their outcome is still
// relevant before applying it.
type Scheduler interface {
	Submit(fn func())
	SubmitDelayed(fn func(), delay time.Duration)
}

// GoScheduler is the default Scheduler, backed by plain goroutines and
// timers. Hosts with their own scheduling runtime inject a different
// implementation.
type GoScheduler struct{}

// NewGoScheduler creates a GoScheduler.
func NewGoScheduler() *GoScheduler {
	return &GoScheduler{}
}

// Submit runs fn on its own goroutine.
func (GoScheduler) Submit(fn func()) {
	go fn()
}

// SubmitDelayed runs fn after delay.
func (GoScheduler) SubmitDelayed(fn func(), delay time.Duration) {
	time.AfterFunc(delay, fn)
}
