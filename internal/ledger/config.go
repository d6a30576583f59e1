package ledger

import (
	"fmt"
	"slices"
	"time"

	"tweetsched/internal/post"
)

type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	EnableAutoRetry bool
	RetryableErrors []post.ErrorType
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        300 * time.Second,
		ExponentialBase: 2,
		EnableAutoRetry: true,
		RetryableErrors: []post.ErrorType{post.ErrorNetwork, post.ErrorServer, post.ErrorRateLimit},
	}
}

func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("baseDelay must be > 0")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("maxDelay must be >= baseDelay")
	}
	if c.ExponentialBase < 1 {
		return fmt.Errorf("exponentialBase must be >= 1")
	}
	for _, t := range c.RetryableErrors {
		if !slices.Contains(post.ErrorTypes, t) {
			return fmt.Errorf("unknown error type %q", t)
		}
	}
	return nil
}

func (c RetryConfig) retryable(t post.ErrorType) bool {
	return slices.Contains(c.RetryableErrors, t)
}

// RetryPatch is a partial update; nil fields keep their current value.
type RetryPatch struct {
	MaxRetries      *int
	BaseDelay       *time.Duration
	MaxDelay        *time.Duration
	ExponentialBase *float64
	EnableAutoRetry *bool
	RetryableErrors []post.ErrorType
}

func (p RetryPatch) apply(c RetryConfig) RetryConfig {
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.BaseDelay != nil {
		c.BaseDelay = *p.BaseDelay
	}
	if p.MaxDelay != nil {
		c.MaxDelay = *p.MaxDelay
	}
	if p.ExponentialBase != nil {
		c.ExponentialBase = *p.ExponentialBase
	}
	if p.EnableAutoRetry != nil {
		c.EnableAutoRetry = *p.EnableAutoRetry
	}
	if p.RetryableErrors != nil {
		c.RetryableErrors = append([]post.ErrorType(nil), p.RetryableErrors...)
	}
	return c
}
