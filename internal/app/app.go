package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tweetsched/internal/config"
	"tweetsched/internal/eventbus"
	"tweetsched/internal/httpapi"
	"tweetsched/internal/ledger"
	"tweetsched/internal/metrics"
	"tweetsched/internal/provider"
	rtsup "tweetsched/internal/runtime/supervisor"
	"tweetsched/internal/scheduler"
	"tweetsched/internal/storage"
	"tweetsched/internal/task/engine"
	"tweetsched/internal/task/periodic"
	logx "tweetsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	ledger   *ledger.Ledger
	metrics  *metrics.Collector
	sched    *scheduler.Service
	periodic *periodic.Service
	api      *httpapi.API
	http     *httpapi.Server
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logCfg, _ := mapLoggingConfig(cfg)
	logSvc, log := logx.New(logCfg)

	a, err := build(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	// Every mapper already ran in validateConfig; errors here are unreachable
	// but still checked.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	retryCfg, err := mapRetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, httpEnabled, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.With(logx.String("comp", "app")).Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	eng := engine.New(engCfg, log, bus)
	led := ledger.New(store, retryCfg, log)

	m, err := metrics.New()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := m.WatchEngine(eng.Snapshot); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := m.WatchLedger(led.Stats); err != nil {
		_ = store.Close()
		return nil, err
	}

	sched, err := scheduler.New(schedCfg, scheduler.Deps{
		Store:   store,
		Poster:  provider.New(pc, log),
		Ledger:  led,
		Engine:  eng,
		Bus:     bus,
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		engine:   eng,
		ledger:   led,
		metrics:  m,
		sched:    sched,
		periodic: periodic.New(mc.periodic, eng, log),
	}
	if err := a.registerMaintenance(mc); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.api = httpapi.New(sched, led, m, log)
	if httpEnabled {
		a.http = httpapi.NewServer(hc, a.api, log)
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Ledger() *ledger.Ledger        { return a.ledger }
func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }

// HTTPAddr returns the bound control API address once it is listening.
// It fails when the API is disabled.
func (a *App) HTTPAddr(ctx context.Context) (string, error) {
	if a.http == nil {
		return "", errors.New("http api disabled")
	}
	return a.http.Addr(ctx)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.sched.Load(ctx); err != nil {
		return fmt.Errorf("load scheduler: %w", err)
	}
	a.periodic.Start(a.sup.Context())
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Keep this debug-level; the scheduler publishes on every tick decision.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("http", a.http != nil))
	return nil
}

// applyConfig pushes the live sections of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			lc, err := mapLoggingConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
				continue
			}
			a.logs.Apply(lc)
		case "task_engine":
			ec, err := mapTaskEngineConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
				continue
			}
			a.engine.Apply(ec)
		case "retry":
			rc, err := mapRetryConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
				continue
			}
			if _, err := a.ledger.UpdateRetryConfig(retryPatch(rc)); err != nil {
				a.log.Warn("retry config rejected", logx.Err(err))
			}
		case "maintenance":
			mc, err := mapMaintenanceConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.registerMaintenance(mc); err != nil {
				a.log.Warn("maintenance jobs not updated", logx.Err(err))
			}
			a.periodic.Apply(ctx, mc.periodic)
		default:
			if config.NeedsRestart(s) {
				a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
			}
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					limit = 0
				} else if rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The API goes first so no request lands on a stopping scheduler.
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	step("periodic", 1*time.Second, func(c context.Context) error { a.periodic.Stop(c); return nil })
	// Shutdown waits for an in-flight submission before persisting the
	// recovery record, so it gets the largest budget.
	step("scheduler", 10*time.Second, a.sched.Shutdown)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
