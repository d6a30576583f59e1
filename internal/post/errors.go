package post

import (
	"errors"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid posting config")
	ErrAuthRequired  = errors.New("authentication required")
	ErrNotFound      = errors.New("not found")
	ErrInvalidItem   = errors.New("invalid item")
	ErrItemBusy      = errors.New("item is being posted")
	ErrNotEditable   = errors.New("item is not editable")
)

type ErrorType string

const (
	ErrorNetwork          ErrorType = "network"
	ErrorAuthentication   ErrorType = "authentication"
	ErrorRateLimit        ErrorType = "rate_limit"
	ErrorContentViolation ErrorType = "content_violation"
	ErrorDuplicate        ErrorType = "duplicate"
	ErrorServer           ErrorType = "server_error"
	ErrorUnknown          ErrorType = "unknown"
)

var ErrorTypes = []ErrorType{
	ErrorNetwork,
	ErrorAuthentication,
	ErrorRateLimit,
	ErrorContentViolation,
	ErrorDuplicate,
	ErrorServer,
	ErrorUnknown,
}

// ErrorEntry is one record in the error/retry ledger.
type ErrorEntry struct {
	ID          string     `json:"id"`
	TweetID     string     `json:"tweetId"`
	ErrorType   ErrorType  `json:"errorType"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	NextRetryAt *time.Time `json:"nextRetryAt"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolvedAt"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	Content     string     `json:"content,omitempty"`
	HTTPStatus  int        `json:"httpStatus,omitempty"`
}

func (e ErrorEntry) Clone() ErrorEntry {
	cp := e
	cp.NextRetryAt = clonePtr(e.NextRetryAt)
	cp.ResolvedAt = clonePtr(e.ResolvedAt)
	return cp
}

const (
	ResolvedByRetry   = "retry"
	ResolvedByManual  = "manual"
	ResolvedByMissing = "missing"
)
