// Package scheduler is the facade around the posting loop. It is the only
// component that reads and writes storage on the loop's behalf, runs
// submissions through the serial executor, feeds failures to the error
// ledger and carries the running state across restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tweetsched/internal/eventbus"
	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/provider"
	rtsup "tweetsched/internal/runtime/supervisor"
	"tweetsched/internal/scheduler/loop"
	"tweetsched/internal/storage"
	"tweetsched/internal/task/engine"
	logx "tweetsched/pkg/logx"
)

var ErrNotLoaded = errors.New("scheduler service not loaded")

// Loop transition errors.
var (
	ErrAlreadyRunning = loop.ErrAlreadyRunning
	ErrNotRunning     = loop.ErrNotRunning
	ErrNotPaused      = loop.ErrNotPaused
)

type Config struct {
	// RestartDelay is how long Load waits before restarting a loop that
	// was running at the last shutdown.
	RestartDelay time.Duration
	// ReconcileStuckPosting marks items left in posting by a crash as failed.
	ReconcileStuckPosting bool
}

func DefaultConfig() Config {
	return Config{RestartDelay: 2 * time.Second}
}

// Metrics receives submission and state observations. A nil Metrics in
// Deps disables them.
type Metrics interface {
	ObserveSubmission(source string, success bool, kind post.ErrorType, d time.Duration)
	ObserveState(st post.SchedulerState)
}

type Deps struct {
	Store   storage.Store
	Poster  provider.Poster
	Ledger  *ledger.Ledger
	Engine  *engine.Service
	Bus     eventbus.Bus
	Metrics Metrics
	Log     logx.Logger

	// Test hooks.
	Clock func() time.Time
	Rand  *rand.Rand
}

type Service struct {
	cfg     Config
	store   storage.Store
	poster  provider.Poster
	ledger  *ledger.Ledger
	engine  *engine.Service
	bus     eventbus.Bus
	metrics Metrics
	log     logx.Logger
	now     func() time.Time

	loop *loop.Loop

	// itemMu orders status checks and writes of queue edits against the
	// claim step of a submission.
	itemMu sync.Mutex
	// cfgMu keeps posting config writes in the order lastCfg changes.
	cfgMu sync.Mutex

	mu           sync.Mutex
	sup          *rtsup.Supervisor
	lastCfg      post.PostingConfig
	closing      bool
	restartTimer *time.Timer
	subs         subscribers
	restarted    chan struct{}
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Poster == nil || d.Ledger == nil || d.Engine == nil {
		return nil, fmt.Errorf("scheduler: store, poster, ledger and engine are required")
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	log := d.Log.With(logx.String("comp", "scheduler"))

	opts := []loop.Option{loop.WithClock(d.Clock), loop.WithLogger(d.Log)}
	if d.Rand != nil {
		opts = append(opts, loop.WithRand(d.Rand))
	}
	s := &Service{
		cfg:       cfg,
		store:     d.Store,
		poster:    d.Poster,
		ledger:    d.Ledger,
		engine:    d.Engine,
		bus:       d.Bus,
		metrics:   d.Metrics,
		log:       log,
		now:       d.Clock,
		loop:      loop.New(opts...),
		restarted: make(chan struct{}),
	}
	s.ledger.SetRetrier(s.retry)
	return s, nil
}

// Load brings the facade up: it restores the persisted state and ledger,
// starts the loop and the executor, and schedules the automatic restart
// when the last shutdown left a running loop behind.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(context.Background(), rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	cfg, err := s.store.PostingConfig(ctx)
	if err != nil {
		return fmt.Errorf("load posting config: %w", err)
	}
	s.setLastConfig(cfg)

	s.engine.Start(sup.Context())
	sup.Go("loop", s.loop.Run)
	sup.Go0("host", s.host)

	if st, ok, err := s.store.SchedulerState(ctx); err != nil {
		s.log.Warn("read scheduler state failed", logx.Err(err))
	} else if ok {
		if err := s.loop.Restore(st); err != nil {
			return fmt.Errorf("restore scheduler state: %w", err)
		}
	}

	if err := s.reconcileStuck(ctx); err != nil {
		s.log.Warn("reconcile items left posting failed", logx.Err(err))
	}
	if err := s.ledger.Load(ctx); err != nil {
		return err
	}
	s.scheduleRecovery(ctx)
	return nil
}

// Shutdown waits for an in-flight submission, persists the state and, when
// the loop is running, a recovery record so the next Load restarts it.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	cfg := s.lastCfg
	s.mu.Unlock()

	s.ledger.Close()
	s.engine.Stop(ctx)

	st := s.loop.State()
	var errs []error
	if err := s.store.SaveSchedulerState(ctx, st); err != nil {
		errs = append(errs, fmt.Errorf("persist scheduler state: %w", err))
	}
	if st.IsRunning {
		rec := post.RecoveryRecord{WasRunning: true, Config: cfg, SavedAt: s.now().UTC()}
		if err := s.store.SaveRecovery(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("persist recovery record: %w", err))
		} else {
			s.log.Info("recovery record saved", logx.Bool("paused", st.IsPaused))
		}
	}

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Start validates cfg, persists it and starts the loop.
func (s *Service) Start(ctx context.Context, cfg post.PostingConfig) error {
	if err := s.loaded(); err != nil {
		return err
	}
	if err := s.loop.Start(cfg); err != nil {
		return err
	}
	return s.saveConfig(ctx, cfg)
}

func (s *Service) Stop() error {
	if err := s.loaded(); err != nil {
		return err
	}
	s.loop.Stop()
	return nil
}

func (s *Service) Pause() error {
	if err := s.loaded(); err != nil {
		return err
	}
	return s.loop.Pause()
}

func (s *Service) Resume() error {
	if err := s.loaded(); err != nil {
		return err
	}
	return s.loop.Resume()
}

// UpdateConfig replaces the posting parameters. Disabling posting stops
// a running loop.
func (s *Service) UpdateConfig(ctx context.Context, cfg post.PostingConfig) error {
	if err := s.loaded(); err != nil {
		return err
	}
	if err := s.loop.UpdateConfig(cfg); err != nil {
		return err
	}
	return s.saveConfig(ctx, cfg)
}

// State returns a copy of the scheduler state.
func (s *Service) State() post.SchedulerState { return s.loop.State() }

// PostingConfig returns the last config handed to Start or UpdateConfig.
func (s *Service) PostingConfig() post.PostingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCfg
}

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) saveConfig(ctx context.Context, cfg post.PostingConfig) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg.NextPostTime = s.loop.State().NextPostTime
	s.setLastConfig(cfg)
	if err := s.store.SavePostingConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persist posting config: %w", err)
	}
	return nil
}

func (s *Service) setLastConfig(cfg post.PostingConfig) {
	s.mu.Lock()
	s.lastCfg = cfg
	s.mu.Unlock()
}

func (s *Service) loaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return ErrNotLoaded
	}
	return nil
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

type nopMetrics struct{}

func (nopMetrics) ObserveSubmission(string, bool, post.ErrorType, time.Duration) {}
func (nopMetrics) ObserveState(post.SchedulerState)                             {}
