package scheduler

import (
	"context"
	"fmt"
	"time"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

// Queue edits take effect at the loop's next firing decision; they never
// move an armed timer.

func (s *Service) Items(ctx context.Context) ([]post.Item, error) {
	return s.store.Items(ctx)
}

// AddItem queues a new item.
func (s *Service) AddItem(ctx context.Context, content string, scheduledFor *time.Time, attachmentPaths ...string) (post.Item, error) {
	it, err := post.NewItem(content, scheduledFor, s.now(), attachmentPaths...)
	if err != nil {
		return post.Item{}, err
	}
	if err := s.store.AddItem(ctx, it); err != nil {
		return post.Item{}, err
	}
	s.log.Info("item queued", logx.String("item", it.ID), logx.TimePtr("scheduled_for", it.ScheduledFor))
	return it, nil
}

// ItemEdit changes an item. Nil fields are left alone.
type ItemEdit struct {
	Content       *string
	ScheduledFor  *time.Time
	ClearSchedule bool
}

// EditItem updates a queued or failed item. A failed item goes back to the
// queue and its open ledger entries are resolved.
func (s *Service) EditItem(ctx context.Context, id string, e ItemEdit) (post.Item, error) {
	s.itemMu.Lock()
	defer s.itemMu.Unlock()

	it, err := s.store.Item(ctx, id)
	if err != nil {
		return post.Item{}, err
	}
	if !it.Editable() {
		return post.Item{}, fmt.Errorf("item %s is %s: %w", id, it.Status, post.ErrNotEditable)
	}
	if e.Content != nil {
		it.Content = *e.Content
	}
	switch {
	case e.ClearSchedule:
		it.ScheduledFor = nil
	case e.ScheduledFor != nil:
		t := e.ScheduledFor.UTC()
		it.ScheduledFor = &t
	}
	requeued := it.Status == post.StatusFailed
	if requeued {
		it.Requeue()
	}
	if err := it.Validate(); err != nil {
		return post.Item{}, err
	}
	if err := s.store.UpdateItem(ctx, it); err != nil {
		return post.Item{}, err
	}
	if requeued {
		if _, err := s.ledger.ResolveItem(ctx, id, post.ResolvedByManual); err != nil {
			s.log.Warn("resolve ledger entries of edited item failed", logx.String("item", id), logx.Err(err))
		}
	}
	return it, nil
}

// DeleteItem removes an item unless it is being posted.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	s.itemMu.Lock()
	defer s.itemMu.Unlock()

	it, err := s.store.Item(ctx, id)
	if err != nil {
		return err
	}
	if !it.Deletable() {
		return fmt.Errorf("item %s is %s: %w", id, it.Status, post.ErrItemBusy)
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	if _, err := s.ledger.ResolveItem(ctx, id, post.ResolvedByMissing); err != nil {
		s.log.Warn("resolve ledger entries of deleted item failed", logx.String("item", id), logx.Err(err))
	}
	s.log.Info("item deleted", logx.String("item", id))
	return nil
}

// SetSession stores the session cookies. They must carry auth_token and ct0.
func (s *Service) SetSession(ctx context.Context, cookies string) (post.Session, error) {
	now := s.now().UTC()
	sess := post.Session{Valid: true, Cookies: cookies, ValidatedAt: &now}
	if !sess.Usable() {
		return post.Session{}, fmt.Errorf("cookies need auth_token and ct0: %w", post.ErrAuthRequired)
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return post.Session{}, err
	}
	return sess, nil
}

func (s *Service) ClearSession(ctx context.Context) error {
	return s.store.ClearSession(ctx)
}
