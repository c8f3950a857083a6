package domain

import (
	"errors"
	"fmt"
)

// Error kinds the core distinguishes. Handlers map these to HTTP classes;
// the orchestrator and retry helpers branch on them with errors.Is.
var (
	// ErrValidation covers malformed input: bad timeframes, negative
	// timestamps, non-positive limits. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers unknown markets, providers and symbols.
	ErrNotFound = errors.New("not found")

	// ErrAuth covers rejected provider credentials. Never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrFeatureNotSupported is returned by plugins for capabilities they
	// do not implement. Permanent; callers may fall through to another
	// source for the same request.
	ErrFeatureNotSupported = errors.New("feature not supported")

	// ErrTransient covers network failures, rate limits, 5xx responses and
	// timeouts. Retried with bounded exponential backoff at the plugin
	// layer; treated as a skippable source failure above it.
	ErrTransient = errors.New("transient failure")
)

// PluginError wraps a failure from a specific provider plugin with enough
// context to log and classify it.
type PluginError struct {
	Provider string
	Op       string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// NewPluginError wraps err with provider and operation context. A nil err
// returns nil.
func NewPluginError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &PluginError{Provider: provider, Op: op, Err: err}
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether retrying is pointless: validation, auth,
// not-found and unsupported-feature failures.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFeatureNotSupported)
}
