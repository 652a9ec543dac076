// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAccountExists is returned by AccountStore.CreateAccount when the
// username is already taken. Duplicate-key conflicts at the storage layer
// surface as this sentinel, never as a panic or a raw driver error.
var ErrAccountExists = errors.New("account already exists")
