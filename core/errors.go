package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Recoverable conditions are sentinel errors so callers can
// branch with errors.Is; configuration problems carry the offending field
// and are fatal at startup.
var (
	// ErrNotFound reports an unknown role, record, or decision id.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable reports a durable-store failure. Retryable:
	// background cycles back off and retry, synchronous callers see it as a
	// typed error.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrProviderUnavailable reports a reasoning/embedding provider failure
	// or timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrBadReply reports a provider response that violates the reply
	// schema. The router falls back to Terminal rather than routing on
	// guessed text.
	ErrBadReply = errors.New("malformed provider reply")

	// ErrOutcomeReported rejects a second outcome report for a decision.
	ErrOutcomeReported = errors.New("outcome already reported")

	// ErrStepBudget marks a run forced to Terminal after exceeding its
	// configured step budget.
	ErrStepBudget = errors.New("step-budget-exceeded")
)

// ConfigError reports a missing or invalid configuration field. Fatal:
// detected at startup, before any run or cycle starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrProviderUnavailable)
}
