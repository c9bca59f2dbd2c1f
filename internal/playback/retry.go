package playback

import "time"

// Retry policy defaults
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultLoadTimeout = 15 * time.Second
)

// RetryPolicy bounds automatic reloads after a failed load.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Delay returns the backoff before attempt n (1-indexed): BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Allows returns true if another automatic retry fits in the budget after
// the given number of retries already made. MaxAttempts counts retries, not
// loads: the initial load is not part of the budget.
func (p RetryPolicy) Allows(attempts int) bool {
	return attempts < p.MaxAttempts
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}
