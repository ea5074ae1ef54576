package lifecycle

import (
	"context"
	"strings"
	"time"
)

// Action is a recovery decision: retry after Delay, or give up.
type Action struct {
	Retry bool
	Delay time.Duration
}

// Fail is the no-retry action.
var Fail = Action{}

// RetryAfter builds a retry action with the given delay.
func RetryAfter(d time.Duration) Action {
	return Action{Retry: true, Delay: d}
}

// ErrorRecovery decides how the engine reacts to an LLM request failure.
// attempt is zero-based: the first failure arrives as attempt 0.
type ErrorRecovery interface {
	Name() string
	Recover(ctx context.Context, err error, attempt int) Action
}

// IsRetryable reports whether an error looks transient: provider overload,
// rate limiting, or flaky transport.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	retryable := []string{
		"overloaded",
		"rate limit",
		"rate_limit",
		"429",
		"503",
		"529",
		"timeout",
		"connection reset",
		"connection refused",
		"temporarily unavailable",
	}
	for _, token := range retryable {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// BackoffRecovery retries transient errors with exponential backoff
// (base, 2x base, 4x base, ...). Non-transient errors fail immediately.
type BackoffRecovery struct {
	maxRetries int
	baseDelay  time.Duration
}

// NewBackoffRecovery creates a backoff strategy. maxRetries <= 0 defaults to
// 3, baseDelay <= 0 defaults to 1s.
func NewBackoffRecovery(maxRetries int, baseDelay time.Duration) *BackoffRecovery {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &BackoffRecovery{maxRetries: maxRetries, baseDelay: baseDelay}
}

// Name returns the strategy name.
func (r *BackoffRecovery) Name() string {
	return "backoff"
}

// Recover retries transient errors until the retry budget runs out.
func (r *BackoffRecovery) Recover(ctx context.Context, err error, attempt int) Action {
	if ctx.Err() != nil {
		return Fail
	}
	if attempt >= r.maxRetries || !IsRetryable(err) {
		return Fail
	}
	return RetryAfter(r.baseDelay << uint(attempt))
}

// NoRecovery fails every error immediately.
type NoRecovery struct{}

// Name returns the strategy name.
func (NoRecovery) Name() string {
	return "none"
}

// Recover never retries.
func (NoRecovery) Recover(context.Context, error, int) Action {
	return Fail
}
