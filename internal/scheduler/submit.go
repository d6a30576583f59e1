package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

var errNoSession = fmt.Errorf("no usable session: %w", post.ErrAuthRequired)

// submit posts one item: session check, attachment uploads in list order,
// then the text. Every status change is persisted before the next network
// call. The item must currently be in one of the from states.
func (s *Service) submit(ctx context.Context, id string, from ...post.Status) (post.Item, error) {
	it, sess, err := s.claim(ctx, id, from)
	if err != nil {
		return it, err
	}

	refs, err := s.uploadAll(ctx, &it, sess)
	if err != nil {
		return it, s.failItem(ctx, &it, err)
	}

	remoteID, err := s.poster.SubmitText(ctx, it.Content, sess, refs)
	if err != nil {
		return it, s.failItem(ctx, &it, err)
	}

	it.MarkPosted(remoteID, s.now())
	if err := s.store.UpdateItem(ctx, it); err != nil {
		// The post is live; only the local record is behind.
		s.log.Error("persist posted item failed", logx.String("item", id), logx.String("remote_id", remoteID), logx.Err(err))
	}
	s.log.Info("item posted", logx.String("item", id), logx.String("remote_id", remoteID), logx.Int("attachments", len(refs)))
	return it, nil
}

// claim moves the item to posting. Once it is posting, queue edits and
// deletes refuse it until the submission settles.
func (s *Service) claim(ctx context.Context, id string, from []post.Status) (post.Item, post.Session, error) {
	s.itemMu.Lock()
	defer s.itemMu.Unlock()

	it, err := s.store.Item(ctx, id)
	if err != nil {
		return post.Item{}, post.Session{}, err
	}
	if !slices.Contains(from, it.Status) {
		return it, post.Session{}, fmt.Errorf("item %s is %s: %w", id, it.Status, post.ErrItemBusy)
	}

	sess, err := s.store.Session(ctx)
	if err != nil {
		return it, sess, s.failItem(ctx, &it, fmt.Errorf("read session: %w", err))
	}
	if !sess.Usable() {
		return it, sess, s.failItem(ctx, &it, errNoSession)
	}

	it.Status = post.StatusPosting
	it.Error = ""
	if err := s.store.UpdateItem(ctx, it); err != nil {
		return it, sess, fmt.Errorf("mark posting: %w", err)
	}
	return it, sess, nil
}

// resubmit is the retry path. An item that got posted meanwhile counts as
// a success without another network call.
func (s *Service) resubmit(ctx context.Context, id string) (post.Item, error) {
	it, err := s.store.Item(ctx, id)
	if err != nil {
		return post.Item{}, err
	}
	if it.Status == post.StatusPosted {
		return it, nil
	}
	return s.submit(ctx, id, post.StatusFailed, post.StatusQueued)
}

// uploadAll uploads every attachment not uploaded yet, one at a time, and
// returns the refs of all attachments in list order. The first failure
// aborts the item.
func (s *Service) uploadAll(ctx context.Context, it *post.Item, sess post.Session) ([]string, error) {
	refs := make([]string, 0, len(it.Attachments))
	for i := range it.Attachments {
		a := &it.Attachments[i]
		if a.State == post.AttachmentUploaded && a.Ref != "" {
			refs = append(refs, a.Ref)
			continue
		}

		a.State = post.AttachmentUploading
		a.Error = ""
		if err := s.store.UpdateItem(ctx, *it); err != nil {
			return nil, fmt.Errorf("mark attachment uploading: %w", err)
		}

		ref, err := s.poster.UploadMedia(ctx, *a, sess)
		if err != nil {
			a.State = post.AttachmentFailed
			a.Error = err.Error()
			return nil, fmt.Errorf("upload attachment %d of %d: %w", i+1, len(it.Attachments), err)
		}
		a.State = post.AttachmentUploaded
		a.Ref = ref
		if err := s.store.UpdateItem(ctx, *it); err != nil {
			return nil, fmt.Errorf("mark attachment uploaded: %w", err)
		}
		s.log.Debug("attachment uploaded", logx.String("item", it.ID), logx.String("attachment", a.ID), logx.String("ref", ref))
	}
	return refs, nil
}

// failItem persists the item as failed and returns cause.
func (s *Service) failItem(ctx context.Context, it *post.Item, cause error) error {
	it.MarkFailed(cause.Error())
	if err := s.store.UpdateItem(ctx, *it); err != nil {
		s.log.Error("persist failed item failed", logx.String("item", it.ID), logx.Err(err))
		return errors.Join(cause, err)
	}
	return cause
}
