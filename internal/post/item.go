package post

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxContentRunes = 280
	MaxAttachments  = 4
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusPosting Status = "posting"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusPosting, StatusPosted, StatusFailed:
		return true
	}
	return false
}

type AttachmentState string

const (
	AttachmentPending   AttachmentState = "pending"
	AttachmentUploading AttachmentState = "uploading"
	AttachmentUploaded  AttachmentState = "uploaded"
	AttachmentFailed    AttachmentState = "failed"
)

// Attachment is a local media file uploaded before its item is submitted.
type Attachment struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	MediaType string          `json:"mediaType,omitempty"`
	State     AttachmentState `json:"state"`
	// Ref is the provider media id, set once uploaded.
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error,omitempty"`
}

// Item is one queued post.
type Item struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	ScheduledFor *time.Time   `json:"scheduledFor"`
	PostedAt     *time.Time   `json:"postedAt"`
	Error        string       `json:"error,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	RemoteID     string       `json:"remoteId,omitempty"`
}

// NewItem builds a queued item with a fresh id. Attachment paths become
// pending attachments.
func NewItem(content string, scheduledFor *time.Time, now time.Time, attachmentPaths ...string) (Item, error) {
	it := Item{
		ID:           uuid.NewString(),
		Content:      content,
		Status:       StatusQueued,
		CreatedAt:    now.UTC(),
		ScheduledFor: utcPtr(scheduledFor),
	}
	for _, p := range attachmentPaths {
		it.Attachments = append(it.Attachments, Attachment{
			ID:    uuid.NewString(),
			Path:  p,
			State: AttachmentPending,
		})
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	return it, nil
}

// Validate checks the content and attachment limits.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if !it.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, it.Status)
	}
	n := utf8.RuneCountInString(it.Content)
	if n > MaxContentRunes {
		return fmt.Errorf("%w: content is %d characters (max %d)", ErrInvalidItem, n, MaxContentRunes)
	}
	if len(it.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: %d attachments (max %d)", ErrInvalidItem, len(it.Attachments), MaxAttachments)
	}
	if strings.TrimSpace(it.Content) == "" && len(it.Attachments) == 0 {
		return fmt.Errorf("%w: empty content without attachments", ErrInvalidItem)
	}
	for _, a := range it.Attachments {
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("%w: attachment %s has no path", ErrInvalidItem, a.ID)
		}
	}
	return nil
}

// Editable reports whether the user may change content or schedule.
func (it Item) Editable() bool {
	return it.Status == StatusQueued || it.Status == StatusFailed
}

// Deletable reports whether the user may delete the item.
func (it Item) Deletable() bool { return it.Status != StatusPosting }

// EffectiveTime is the time the item becomes due.
func (it Item) EffectiveTime() time.Time {
	if it.ScheduledFor != nil {
		return *it.ScheduledFor
	}
	return it.CreatedAt
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	cp := it
	cp.ScheduledFor = clonePtr(it.ScheduledFor)
	cp.PostedAt = clonePtr(it.PostedAt)
	if it.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), it.Attachments...)
	}
	return cp
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

// MarkPosted moves the item to posted. PostedAt is stamped only once.
func (it *Item) MarkPosted(remoteID string, now time.Time) {
	it.Status = StatusPosted
	it.Error = ""
	it.RemoteID = remoteID
	if it.PostedAt == nil {
		t := now.UTC()
		it.PostedAt = &t
	}
}

func (it *Item) MarkFailed(msg string) {
	it.Status = StatusFailed
	it.Error = msg
}

// Requeue makes a failed item eligible for the loop again.
func (it *Item) Requeue() {
	it.Status = StatusQueued
	it.Error = ""
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
