package provider

import (
	"context"
	"fmt"
	"strconv"

	"tweetsched/internal/post"
)

// Submitter publishes a text post with already uploaded media refs.
type Submitter interface {
	SubmitText(ctx context.Context, content string, sess post.Session, mediaRefs []string) (remoteID string, err error)
}

// Uploader uploads one attachment and returns its media ref.
type Uploader interface {
	UploadMedia(ctx context.Context, a post.Attachment, sess post.Session) (ref string, err error)
}

// Poster is both halves of the provider contract.
type Poster interface {
	Submitter
	Uploader
}

// Provider error codes seen in 4xx bodies.
const (
	CodeDuplicate        = 187
	CodeAutomatedRequest = 226
	CodeStatusTooLong    = 186
	CodeSpamFlagged      = 224
)

// IsPolicyCode reports whether code means the content was refused on policy grounds.
func IsPolicyCode(code int) bool {
	switch code {
	case CodeAutomatedRequest, CodeStatusTooLong, CodeSpamFlagged:
		return true
	}
	return false
}

// ResponseError is returned when the provider answered with a failure.
// Any other error from a provider call means no response was received.
type ResponseError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *ResponseError) Error() string {
	s := "provider: http " + strconv.Itoa(e.HTTPStatus)
	if e.Code != 0 {
		s += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
