package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tweetsched/internal/eventbus"
	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/scheduler/loop"
	"tweetsched/internal/task/engine"
	logx "tweetsched/pkg/logx"
)

// storeTimeout bounds the storage calls made on the loop's behalf.
const storeTimeout = 10 * time.Second

// host serves the loop's outbox until ctx is canceled.
func (s *Service) host(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.loop.Done():
			return
		case m := <-s.loop.Outbox():
			s.serve(ctx, m)
		}
	}
}

func (s *Service) serve(ctx context.Context, m loop.Message) {
	switch msg := m.(type) {
	case loop.NeedSnapshot:
		snap, err := s.snapshot(ctx)
		if err != nil {
			// An empty snapshot makes the loop fall back to the interval.
			s.log.Warn("queue snapshot failed", logx.Err(err))
		}
		s.loop.DeliverSnapshot(msg.Seq, snap)
	case loop.Submit:
		s.enqueueSubmit(msg.Item)
	case loop.StateChanged:
		s.persistState(ctx, msg.State)
	case loop.Notify:
		s.dispatch(msg.Event)
	}
}

// snapshot reads deep copies of every item and the stored session.
func (s *Service) snapshot(ctx context.Context) (loop.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	items, err := s.store.Items(ctx)
	if err != nil {
		return loop.Snapshot{}, fmt.Errorf("read items: %w", err)
	}
	snap := loop.Snapshot{Items: post.CloneItems(items)}

	sess, err := s.store.Session(ctx)
	if err != nil {
		return snap, fmt.Errorf("read session: %w", err)
	}
	if sess.Cookies != "" {
		snap.Session = &sess
	}
	return snap, nil
}

// persistState mirrors the loop state to storage, with the advisory next
// post time copied into the posting config.
func (s *Service) persistState(ctx context.Context, st post.SchedulerState) {
	s.metrics.ObserveState(st)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.SaveSchedulerState(ctx, st); err != nil {
		s.log.Warn("persist scheduler state failed", logx.Err(err))
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.mu.Lock()
	cfg := s.lastCfg
	changed := !sameTime(cfg.NextPostTime, st.NextPostTime)
	cfg.NextPostTime = st.NextPostTime
	s.lastCfg = cfg
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.store.SavePostingConfig(ctx, cfg); err != nil {
		s.log.Warn("persist next post time failed", logx.Err(err))
	}
}

// enqueueSubmit hands a loop submission to the executor. When it cannot be
// queued the loop still gets an outcome so it never waits forever.
func (s *Service) enqueueSubmit(it post.Item) {
	if s.isClosing() {
		s.log.Info("shutting down, submission left for the next start", logx.String("item", it.ID))
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name: "submit",
		Key:  it.ID,
		Run:  func(ctx context.Context) error { return s.fire(ctx, it.ID) },
	})
	if err == nil {
		return
	}
	s.log.Warn("submission not queued", logx.String("item", it.ID), logx.Err(err))
	s.loop.ReportFireOutcome(it.ID, false, fmt.Sprintf("submission not queued: %v", err))
}

// fire runs a loop-initiated submission and reports its outcome.
func (s *Service) fire(ctx context.Context, itemID string) error {
	start := s.now()
	it, err := s.submit(ctx, itemID, post.StatusQueued)
	kind := s.observe("loop", start, err)

	if err == nil {
		s.loop.ReportFireOutcome(itemID, true, "")
		return nil
	}
	s.loop.ReportFireOutcome(itemID, false, err.Error())
	if errors.Is(err, post.ErrNotFound) || errors.Is(err, post.ErrItemBusy) {
		return err
	}
	if _, lerr := s.ledger.RecordError(ctx, itemID, it.Content, err); lerr != nil {
		s.log.Warn("record failure in ledger failed", logx.String("item", itemID), logx.String("type", string(kind)), logx.Err(lerr))
	}
	return err
}

// retry is the ledger's retrier. It never blocks: the attempt runs on the
// executor and its outcome goes back to the ledger and the loop stats.
func (s *Service) retry(e post.ErrorEntry) {
	if s.isClosing() {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name: "retry",
		Key:  e.TweetID,
		Run: func(ctx context.Context) error {
			start := s.now()
			_, err := s.resubmit(ctx, e.TweetID)
			s.observe("retry", start, err)
			if rerr := s.ledger.ReportRetryOutcome(ctx, e.ID, err); rerr != nil {
				s.log.Warn("report retry outcome failed", logx.String("entry", e.ID), logx.Err(rerr))
			}
			if !errors.Is(err, post.ErrNotFound) {
				s.loop.AccountOutcome(err == nil, errString(err))
			}
			return err
		},
	})
	if err == nil {
		return
	}
	s.log.Warn("retry not queued", logx.String("entry", e.ID), logx.String("item", e.TweetID), logx.Err(err))
	if rerr := s.ledger.ReportRetryOutcome(context.Background(), e.ID, fmt.Errorf("retry not queued: %w", err)); rerr != nil {
		s.log.Warn("report retry outcome failed", logx.String("entry", e.ID), logx.Err(rerr))
	}
}

func (s *Service) observe(source string, start time.Time, err error) post.ErrorType {
	var kind post.ErrorType
	if err != nil {
		kind, _ = ledger.Classify(err)
	}
	s.metrics.ObserveSubmission(source, err == nil, kind, s.now().Sub(start))
	return kind
}

func (s *Service) publish(e loop.Event) {
	s.bus.Publish(eventbus.Event{Type: EventPrefix + e.Name, Time: e.Time, Data: e.Data})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
