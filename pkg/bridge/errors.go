// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the bridge failure taxonomy. Adapters classify
// platform errors into one of these with Transient/Permanent wrapping;
// the relay engine keys its retry decisions off the classification.
var (
	// ErrTransient marks failures worth retrying with backoff: timeouts,
	// 5xx responses, rate limits.
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermanent marks failures that will not succeed on retry. The task
	// is dead-lettered immediately.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrUpstreamProtocol marks a malformed inbound payload. The offending
	// item is skipped and logged; it never blocks the rest of its batch.
	ErrUpstreamProtocol = errors.New("malformed upstream payload")
	// ErrConversationNotFound is returned by mapping lookups when no link
	// exists and none can be created on the destination platform.
	ErrConversationNotFound = errors.New("conversation is not linked")
	// ErrCreateUnsupported is returned by conversation creators on
	// platforms that cannot mint conversations (the Telegram Bot API).
	ErrCreateUnsupported = errors.New("destination cannot create conversations")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Transientf builds a retryable failure from a format string.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrTransient, fmt.Errorf(format, args...))
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Permanentf builds a non-retryable failure from a format string.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrPermanent, fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was classified as permanent. Unclassified
// errors count as transient: an unknown network failure must not destroy a
// message that a retry could deliver.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// RetryAfterError carries a server-mandated wait, e.g. from a Telegram 429
// response. It is always transient.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return ErrTransient }

// RetryAfter extracts a server-mandated wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rae *RetryAfterError
	if errors.As(err, &rae) {
		return rae.After, true
	}
	return 0, false
}

// ConfigError is a fatal startup problem: missing credentials, an invalid
// template, an unreachable database. The process must not start half
// initialized when one of these is raised.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
