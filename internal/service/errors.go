package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured means no configuration source yielded a complete
	// (owner, repo, credential) tuple. Fatal to any sync attempt.
	ErrNotConfigured = errors.New("no complete repository configuration found")

	// ErrRepositoryNotConfigured means a webhook referenced a repository the
	// engine has no configuration for. Rejected, never retried.
	ErrRepositoryNotConfigured = errors.New("repository is not configured")

	// ErrBadSignature means webhook signature verification failed. Always
	// rejected, never retried, never recorded.
	ErrBadSignature = errors.New("webhook signature verification failed")

	// ErrUnsupportedEvent means the webhook event type is not handled.
	ErrUnsupportedEvent = errors.New("unsupported webhook event type")

	// ErrInvalidPayload means a webhook payload is missing required fields.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// CooldownError is returned when a sync is requested inside the cooldown
// window of the previous attempt. Recoverable by waiting.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("sync on cooldown, retry in %s", e.Remaining.Round(time.Second))
}

// UpstreamError wraps a failure talking to the upstream API. Retryable by
// the caller on a later attempt.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. Previously consistent cached and
// stored state is left untouched when one of these is returned.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
