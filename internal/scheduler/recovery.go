package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"tweetsched/internal/post"
	"tweetsched/internal/scheduler/loop"
	logx "tweetsched/pkg/logx"
)

const stuckPostingError = "interrupted by restart"

// Recovered is closed once Load has finished acting on the recovery record,
// or right away when there is none.
func (s *Service) Recovered() <-chan struct{} { return s.restarted }

func (s *Service) scheduleRecovery(ctx context.Context) {
	rec, ok, err := s.store.Recovery(ctx)
	if err != nil {
		s.log.Warn("read recovery record failed", logx.Err(err))
		close(s.restarted)
		return
	}
	if !ok || !rec.WasRunning {
		if ok {
			s.clearRecovery()
		}
		close(s.restarted)
		return
	}

	s.log.Info("scheduler was running at last shutdown, restarting", logx.Duration("delay", s.cfg.RestartDelay), logx.Time("saved_at", rec.SavedAt))
	s.mu.Lock()
	s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() { s.autoRestart(rec) })
	s.mu.Unlock()
}

func (s *Service) autoRestart(rec post.RecoveryRecord) {
	defer close(s.restarted)
	if s.isClosing() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := s.Start(ctx, rec.Config)
	switch {
	case err == nil:
		s.log.Info("scheduler restarted after shutdown")
		s.dispatch(loop.Event{
			Name: EventAutoRestart,
			Time: s.now().UTC(),
			Data: AutoRestartData{Config: rec.Config, SavedAt: rec.SavedAt},
		})
	case errors.Is(err, loop.ErrAlreadyRunning):
		s.log.Info("scheduler already started, recovery record dropped")
	default:
		s.log.Warn("automatic restart refused", logx.Err(err))
	}
	s.clearRecovery()
}

func (s *Service) clearRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.ClearRecovery(ctx); err != nil {
		s.log.Warn("clear recovery record failed", logx.Err(err))
	}
}

// reconcileStuck deals with items a crash left in posting. By default they
// are only reported, since the provider may or may not have published them.
func (s *Service) reconcileStuck(ctx context.Context) error {
	items, err := s.store.Items(ctx)
	if err != nil {
		return err
	}
	var stuck []string
	for _, it := range items {
		if it.Status == post.StatusPosting {
			stuck = append(stuck, it.ID)
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	if !s.cfg.ReconcileStuckPosting {
		s.log.Warn("items left in posting by an earlier run; check them and edit or delete", logx.Strings("items", stuck))
		return nil
	}

	var errs []error
	for _, it := range items {
		if it.Status != post.StatusPosting {
			continue
		}
		it.MarkFailed(stuckPostingError)
		for i := range it.Attachments {
			if it.Attachments[i].State == post.AttachmentUploading {
				it.Attachments[i].State = post.AttachmentPending
			}
		}
		if err := s.store.UpdateItem(ctx, it); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Warn("items left in posting marked failed", logx.String("items", strings.Join(stuck, ",")))
	return errors.Join(errs...)
}
