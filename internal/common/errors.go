// Package common defines the sentinel errors shared by the cipher, the
// lifecycle service, the HTTP layer and the transfer sessions. Callers should
// match them with errors.Is.
package common

import "errors"

var (
	// Lifecycle denials.
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("expired")
	ErrLimitReached = errors.New("download limit reached")
	ErrConflict     = errors.New("already exists")

	// Cryptographic failures. Never retried.
	ErrWrongPassword        = errors.New("wrong password")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrIncompleteStream     = errors.New("incomplete stream")
	ErrOutOfOrder           = errors.New("frame out of order")

	// Transient I/O failure, retryable with backoff.
	ErrStorageFailure = errors.New("storage failure")

	// Input errors.
	ErrInvalidLink   = errors.New("invalid link")
	ErrValidation    = errors.New("validation error")
	ErrInvalidHandle = errors.New("invalid download handle")
	ErrInvalidToken  = errors.New("invalid revoke token")
)

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsUnavailable reports whether err is one of the lifecycle denials that are
// shown to clients as a single "unavailable" answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrLimitReached)
}
