package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	// ErrProviderPermanent marks deterministic upstream failures (bad
	// credentials, content policy). Tasks failing with it are never retried.
	ErrProviderPermanent = errors.New("provider permanent failure")
	ErrMailboxFull       = errors.New("mailbox full")
	ErrNoWorkerAvailable = errors.New("no worker available")
	ErrInternal          = errors.New("internal error")
)

// IsRetryable classifies an error as transient: the task may be re-enqueued
// with backoff. Unknown errors default to retryable; only the permanent
// sentinels opt out.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return true
}

// IsPermanent reports whether err should fail a task without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProviderPermanent) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
