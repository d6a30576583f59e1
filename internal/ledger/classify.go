package ledger

import (
	"errors"
	"net/http"

	"tweetsched/internal/post"
	"tweetsched/internal/provider"
)

// Classify maps a submission failure to an error kind.
//
// Order matters: anything without a provider response is a network
// failure, then status codes decide, then provider codes refine a 400.
func Classify(err error) (post.ErrorType, int) {
	if err == nil {
		return post.ErrorUnknown, 0
	}
	if errors.Is(err, post.ErrAuthRequired) {
		return post.ErrorAuthentication, 0
	}
	if errors.Is(err, post.ErrNotFound) || errors.Is(err, post.ErrInvalidItem) {
		return post.ErrorUnknown, 0
	}

	var rerr *provider.ResponseError
	if !errors.As(err, &rerr) {
		return post.ErrorNetwork, 0
	}
	status := rerr.HTTPStatus
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return post.ErrorAuthentication, status
	case status == http.StatusTooManyRequests:
		return post.ErrorRateLimit, status
	case status == http.StatusBadRequest && rerr.Code == provider.CodeDuplicate:
		return post.ErrorDuplicate, status
	case status == http.StatusBadRequest && provider.IsPolicyCode(rerr.Code):
		return post.ErrorContentViolation, status
	case status >= 500 && status <= 599:
		return post.ErrorServer, status
	default:
		return post.ErrorUnknown, status
	}
}
