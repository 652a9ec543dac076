// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package auth

// Reason is a stable machine-readable code explaining why an operation
// failed. The command layer maps these to user-facing text; the core never
// produces display strings.
type Reason string

// Reason codes, grouped by the error taxonomy: VALIDATION and CONFLICT are
// reported and non-mutating, STORAGE is logged and surfaced generically,
// SECURITY forces a disconnect.
const (
	ReasonNone Reason = ""

	ReasonInvalidUsername  Reason = "VALIDATION_INVALID_USERNAME"
	ReasonWeakPassword     Reason = "VALIDATION_WEAK_PASSWORD"
	ReasonPasswordMismatch Reason = "VALIDATION_PASSWORD_MISMATCH"
	ReasonInvalidEmail     Reason = "VALIDATION_INVALID_EMAIL"
	ReasonEmailRequired    Reason = "VALIDATION_EMAIL_REQUIRED"

	ReasonAlreadyRegistered Reason = "CONFLICT_ALREADY_REGISTERED"
	ReasonBridgedAccount    Reason = "CONFLICT_BRIDGED_ACCOUNT"
	ReasonPasswordAccount   Reason = "CONFLICT_PASSWORD_ACCOUNT"

	ReasonUnknownAccount  Reason = "AUTH_UNKNOWN_ACCOUNT"
	ReasonWrongPassword   Reason = "AUTH_WRONG_PASSWORD"
	ReasonAlreadyLoggedIn Reason = "AUTH_ALREADY_LOGGED_IN"
	ReasonNotLoggedIn     Reason = "AUTH_NOT_LOGGED_IN"

	ReasonOriginBanned     Reason = "SECURITY_ORIGIN_BANNED"
	ReasonIdentityMismatch Reason = "SECURITY_IDENTITY_MISMATCH"

	ReasonStorage Reason = "STORAGE_FAILURE"
)

// Result is what entry points hand back to the command and join layers.
// Account is a snapshot taken at decision time; it never aliases mutable
// state.
type Result struct {
	Success bool
	Reason  Reason

	// Account is set on success and on some conflicts where the caller
	// benefits from the stored state (never on security rejections).
	Account *Account

	// Disconnect tells the host to drop the connection. Set for SECURITY
	// reasons only.
	Disconnect bool
}

func failure(reason Reason) Result {
	return Result{Reason: reason}
}

func securityFailure(reason Reason) Result {
	return Result{Reason: reason, Disconnect: true}
}

func success(acct Account) Result {
	return Result{Success: true, Account: &acct}
}
