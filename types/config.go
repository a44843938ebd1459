package types

import (
	"errors"
	"fmt"
	"time"
)

// ConfirmationConfig tunes confirmation tracking and rollback recovery for a run.
type ConfirmationConfig struct {
	MinConfirmations   int           `json:"min_confirmations"`
	CheckInterval      time.Duration `json:"check_interval"`
	Timeout            time.Duration `json:"timeout"`
	MaxRollbackRetries int           `json:"max_rollback_retries"`

	WaitForBackendAfterRollback bool          `json:"wait_for_backend_after_rollback"`
	PostRollbackWaitAttempts    int           `json:"post_rollback_wait_attempts"`
	PostRollbackUTXOSyncDelay   time.Duration `json:"post_rollback_utxo_sync_delay"`
}

// DefaultConfirmationConfig returns settings suited to a public network.
func DefaultConfirmationConfig() ConfirmationConfig {
	return ConfirmationConfig{
		MinConfirmations:            6,
		CheckInterval:               10 * time.Second,
		Timeout:                     30 * time.Minute,
		MaxRollbackRetries:          3,
		WaitForBackendAfterRollback: true,
		PostRollbackWaitAttempts:    10,
		PostRollbackUTXOSyncDelay:   5 * time.Second,
	}
}

// DevnetConfirmationConfig returns fast settings for local devnets and tests.
func DevnetConfirmationConfig() ConfirmationConfig {
	return ConfirmationConfig{
		MinConfirmations:   1,
		CheckInterval:      100 * time.Millisecond,
		Timeout:            30 * time.Second,
		MaxRollbackRetries: 3,
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c ConfirmationConfig) Validate() error {
	if c.MinConfirmations < 1 {
		return fmt.Errorf("min confirmations must be at least 1, got %d", c.MinConfirmations)
	}
	if c.CheckInterval <= 0 {
		return errors.New("check interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("confirmation timeout must be positive")
	}
	if c.MaxRollbackRetries < 0 {
		return errors.New("max rollback retries cannot be negative")
	}
	if c.WaitForBackendAfterRollback && c.PostRollbackWaitAttempts < 1 {
		return errors.New("post rollback wait attempts must be at least 1 when waiting for the backend")
	}
	return nil
}

// BackoffStrategy selects the delay progression between retries.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy bounds retries of recoverable build/submit failures of one step.
type RetryPolicy struct {
	MaxAttempts  int             `json:"max_attempts"` // total attempts, including the first
	Backoff      BackoffStrategy `json:"backoff"`
	InitialDelay time.Duration   `json:"initial_delay"`
	MaxDelay     time.Duration   `json:"max_delay,omitempty"` // exponential only, 0 means unbounded
}

// DefaultRetryPolicy returns three attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// NoRetry returns a policy with a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Backoff)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays cannot be negative")
	}
	return nil
}
