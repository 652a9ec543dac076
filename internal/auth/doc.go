// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

// Package auth is the credential-and-session authority for a shared
// multiplayer world.
//
// # Domain Types
//
// Domain types (Account, Session) should be created using their
// constructors:
//   - NewAccount - a password-authenticated account with a validated username
//   - NewBridgedAccount - a platform-bridged account keyed by external id
//   - NewSession - a session bound to an origin and optional platform identity
//
// An account is exactly one of password-authenticated or platform-bridged;
// both share the username namespace and never collide. Direct struct
// initialization bypasses these invariants.
//
// # Components
//
//   - Policy - password strength validation, argon2id hashing
//   - Guard - per-origin failure counting, throttling, temporary bans
//   - AccountStore - durable truth, relational or file-backed
//   - Cache - bounded idle-evicting view over store records
//   - Registry - session creation, validation, sliding renewal, sweeps
//   - Service - register/login/logout/changePassword entry points
//   - Reconciler - platform-bridged join resolution
//
// All mutating operations on a username are serialized per canonical
// username inside Service; IsAuthenticated stays lock-free for hot paths.
package auth
