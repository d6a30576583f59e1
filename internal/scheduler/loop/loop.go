package loop

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrNotPaused      = errors.New("scheduler not paused")
	ErrClosed         = errors.New("scheduler loop closed")
)

type purpose int

const (
	// evaluate submits a due item right away (start, resume, timer).
	evaluate purpose = iota
	// rearm only picks the next fire time (after an outcome, config change).
	rearm
)

type Option func(*Loop)

func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

func WithRand(rng *rand.Rand) Option { return func(l *Loop) { l.rng = rng } }

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

// Loop owns the posting state machine. It never touches storage: it asks
// its host for snapshots and submissions through Outbox and gets answers
// through its methods. All state is confined to the Run goroutine.
type Loop struct {
	inbox  chan any
	outbox chan Message
	done   chan struct{}

	now func() time.Time
	rng *rand.Rand
	log logx.Logger

	// Run goroutine only.
	state      post.SchedulerState
	cfg        post.PostingConfig
	timer      *time.Timer
	timerGen   uint64
	seq        uint64
	awaiting   bool
	awaitingAs purpose
	inFlight   string
	pending    []Message

	pubMu     sync.RWMutex
	published post.SchedulerState
}

func New(opts ...Option) *Loop {
	l := &Loop{
		inbox:  make(chan any, 32),
		outbox: make(chan Message, 32),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l.log = l.log.With(logx.String("comp", "loop"))
	return l
}

// Outbox delivers messages for the host. The host must keep draining it.
func (l *Loop) Outbox() <-chan Message { return l.outbox }

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// State returns a copy of the last published state.
func (l *Loop) State() post.SchedulerState {
	l.pubMu.RLock()
	defer l.pubMu.RUnlock()
	return l.published.Clone()
}

// Start moves Stopped to Running. The config must be enabled and in bounds.
func (l *Loop) Start(cfg post.PostingConfig) error {
	return l.call(func(r chan error) any { return startCmd{cfg: cfg, reply: r} })
}

// Stop moves any state to Stopped. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() {
	_ = l.call(func(r chan error) any { return stopCmd{reply: r} })
}

func (l *Loop) Pause() error {
	return l.call(func(r chan error) any { return pauseCmd{reply: r} })
}

func (l *Loop) Resume() error {
	return l.call(func(r chan error) any { return resumeCmd{reply: r} })
}

// UpdateConfig swaps the posting parameters. A running, unpaused loop
// reschedules with them; disabling posting stops the loop.
func (l *Loop) UpdateConfig(cfg post.PostingConfig) error {
	return l.call(func(r chan error) any { return updateCmd{cfg: cfg, reply: r} })
}

// Restore seeds counters and the last post time from a persisted state.
// Running flags are ignored: only Start runs the loop.
func (l *Loop) Restore(st post.SchedulerState) error {
	return l.call(func(r chan error) any { return restoreCmd{state: st.Clone(), reply: r} })
}

// ReportFireOutcome answers a Submit. Stats are applied even if the loop
// stopped meanwhile; a running loop re-arms afterwards.
func (l *Loop) ReportFireOutcome(itemID string, success bool, errMsg string) {
	l.send(outcomeCmd{itemID: itemID, success: success, errMsg: errMsg})
}

// AccountOutcome applies stats for a submission the loop did not ask for
// (a ledger retry) without touching the timer.
func (l *Loop) AccountOutcome(success bool, errMsg string) {
	l.send(accountCmd{success: success, errMsg: errMsg})
}

// DeliverSnapshot answers NeedSnapshot. Stale sequence numbers are dropped.
func (l *Loop) DeliverSnapshot(seq uint64, snap Snapshot) {
	l.send(snapshotCmd{seq: seq, snap: snap})
}

func (l *Loop) send(cmd any) bool {
	select {
	case l.inbox <- cmd:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) call(mk func(chan error) any) error {
	reply := make(chan error, 1)
	if !l.send(mk(reply)) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrClosed
	}
}

// Run processes commands until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.cancelTimer()
	l.publish()

	for {
		var out chan<- Message
		var next Message
		if len(l.pending) > 0 {
			out = l.outbox
			next = l.pending[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- next:
			l.pending[0] = nil
			l.pending = l.pending[1:]
		case cmd := <-l.inbox:
			l.handle(cmd)
		}
	}
}

func (l *Loop) handle(cmd any) {
	switch c := cmd.(type) {
	case startCmd:
		c.reply <- l.onStart(c.cfg)
	case stopCmd:
		l.onStop()
		c.reply <- nil
	case pauseCmd:
		c.reply <- l.onPause()
	case resumeCmd:
		c.reply <- l.onResume()
	case updateCmd:
		c.reply <- l.onUpdate(c.cfg)
	case restoreCmd:
		l.state.Stats = c.state.Stats
		l.state.LastPostTime = c.state.LastPostTime
		l.publish()
		c.reply <- nil
	case outcomeCmd:
		l.onOutcome(c)
	case accountCmd:
		l.account(c.success, c.errMsg)
		l.publish()
	case snapshotCmd:
		l.onSnapshot(c.seq, c.snap)
	case timerFired:
		l.onTimer(c.gen)
	}
}

func (l *Loop) onStart(cfg post.PostingConfig) error {
	if l.state.IsRunning {
		return ErrAlreadyRunning
	}
	if err := cfg.ValidateForStart(); err != nil {
		return err
	}
	l.cfg = cfg
	l.state.IsRunning = true
	l.state.IsPaused = false
	l.log.Info("scheduler started", logx.Int("interval_hours", cfg.IntervalHours), logx.Int("window_minutes", cfg.RandomWindowMinutes))
	l.notify(EventStarted, StartedData{Config: cfg})
	l.publish()
	l.request(evaluate)
	return nil
}

func (l *Loop) onStop() {
	if !l.state.IsRunning {
		return
	}
	l.cancelTimer()
	l.awaiting = false
	l.state.IsRunning = false
	l.state.IsPaused = false
	l.state.NextPostTime = nil
	l.log.Info("scheduler stopped")
	l.notify(EventStopped, nil)
	l.publish()
}

func (l *Loop) onPause() error {
	if !l.state.IsRunning || l.state.IsPaused {
		return ErrNotRunning
	}
	l.cancelTimer()
	l.awaiting = false
	l.state.IsPaused = true
	l.state.NextPostTime = nil
	l.log.Info("scheduler paused")
	l.notify(EventPaused, nil)
	l.publish()
	return nil
}

func (l *Loop) onResume() error {
	if !l.state.IsRunning || !l.state.IsPaused {
		return ErrNotPaused
	}
	l.state.IsPaused = false
	l.log.Info("scheduler resumed")
	l.notify(EventResumed, nil)
	l.publish()
	l.request(evaluate)
	return nil
}

func (l *Loop) onUpdate(cfg post.PostingConfig) error {
	if err := cfg.CheckBounds(); err != nil {
		return err
	}
	l.cfg = cfg
	if !cfg.Enabled {
		l.onStop()
		return nil
	}
	if l.state.IsRunning && !l.state.IsPaused {
		l.cancelTimer()
		l.request(rearm)
	}
	return nil
}

func (l *Loop) onOutcome(c outcomeCmd) {
	l.account(c.success, c.errMsg)
	if c.success {
		l.log.Info("post submitted", logx.String("item", c.itemID))
	} else {
		l.log.Warn("post failed", logx.String("item", c.itemID), logx.String("err", c.errMsg))
	}
	l.notify(EventTweetPosted, TweetPostedData{ItemID: c.itemID, Success: c.success, Error: c.errMsg})
	if !c.success {
		l.notify(EventError, ErrorData{ItemID: c.itemID, Message: c.errMsg})
	}
	l.publish()

	if c.itemID != l.inFlight {
		l.log.Debug("outcome for an item the loop was not waiting on", logx.String("item", c.itemID))
		return
	}
	l.inFlight = ""
	l.request(rearm)
}

func (l *Loop) account(success bool, errMsg string) {
	if success {
		t := l.now().UTC()
		l.state.Stats.TotalPosted++
		l.state.LastPostTime = &t
		return
	}
	l.state.Stats.TotalFailed++
	l.state.Stats.LastError = errMsg
}

func (l *Loop) onTimer(gen uint64) {
	if gen != l.timerGen || l.timer == nil {
		return
	}
	l.timer = nil
	l.request(evaluate)
}

// request asks the host for a snapshot. Only one request is outstanding;
// a newer one supersedes the older. Nothing is requested while a
// submission is in flight since its outcome re-arms the loop.
func (l *Loop) request(p purpose) {
	if !l.active() || l.inFlight != "" {
		return
	}
	l.seq++
	l.awaiting = true
	l.awaitingAs = p
	l.emit(NeedSnapshot{Seq: l.seq})
}

func (l *Loop) onSnapshot(seq uint64, snap Snapshot) {
	if !l.awaiting || seq != l.seq {
		l.log.Debug("dropping stale snapshot", logx.Uint64("seq", seq), logx.Uint64("want", l.seq))
		return
	}
	l.awaiting = false
	if !l.active() || l.inFlight != "" {
		return
	}

	now := l.now()
	if snap.Session == nil {
		l.armInterval(now)
		return
	}
	candidates := OrderCandidates(snap.Items, now)
	if len(candidates) == 0 {
		l.armInterval(now)
		return
	}

	first := candidates[0]
	if !IsDue(first, now) {
		l.armAt(*first.ScheduledFor, first.ID)
		return
	}
	if l.awaitingAs != evaluate {
		l.armInterval(now)
		return
	}

	l.inFlight = first.ID
	l.state.NextPostTime = nil
	l.log.Debug("submitting", logx.String("item", first.ID))
	l.emit(Submit{Item: first.Clone()})
	l.publish()
}

func (l *Loop) active() bool { return l.state.IsRunning && !l.state.IsPaused }

func (l *Loop) armInterval(now time.Time) {
	l.armAt(NextFireTime(now, l.cfg, l.rng), "")
}

func (l *Loop) armAt(at time.Time, itemID string) {
	l.cancelTimer()
	l.timerGen++
	gen := l.timerGen
	delay := max(at.Sub(l.now()), 0)
	l.timer = time.AfterFunc(delay, func() { l.send(timerFired{gen: gen}) })

	t := at.UTC()
	l.state.NextPostTime = &t
	l.log.Debug("armed", logx.Time("at", t), logx.Duration("in", delay), logx.String("item", itemID))
	l.notify(EventNextPostScheduled, NextPostData{NextPostTime: t, ItemID: itemID})
	l.publish()
}

func (l *Loop) cancelTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerGen++
}

func (l *Loop) notify(name string, data any) {
	l.emit(Notify{Event: Event{Name: name, Time: l.now().UTC(), Data: data}})
}

func (l *Loop) publish() {
	st := l.state.Clone()
	l.pubMu.Lock()
	l.published = st
	l.pubMu.Unlock()
	l.emit(StateChanged{State: st.Clone()})
}

func (l *Loop) emit(m Message) { l.pending = append(l.pending, m) }
