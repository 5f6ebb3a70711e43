package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/directory"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/engine"
	"reminderd/internal/eventbus"
	"reminderd/internal/observability/debugsrv"
	"reminderd/internal/retention"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dir       *directory.Memory
	engine    *engine.Engine
	retention *retention.Service
	channels  *channelSet
	debug     *debugsrv.Server

	now func() time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dispatchTimeout, err := config.ParseDurationOrDefault("dispatch.timeout", cfg.Dispatch.Timeout, dispatch.DefaultTimeout)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	rates, err := config.RateLimits(cfg.Dispatch)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	_, backoff, err := processorSettings(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	dir := directory.NewMemory()
	eng := engine.New(dir,
		engine.WithBus(bus),
		engine.WithJournal(store),
		engine.WithLogger(log),
		engine.WithDispatchTimeout(dispatchTimeout),
		engine.WithErrorBackoff(backoff),
		engine.WithRateLimits(rates),
	)

	ret := retention.New(mapRetentionConfig(cfg), eng, store, log)
	if err := ret.Validate(mapRetentionConfig(cfg)); err != nil {
		return nil, closeOnErr(store, err)
	}

	chs := newChannelSet(log)
	if err := chs.apply(eng, cfg.Channels); err != nil {
		appLog.Warn("channel setup incomplete", logx.Err(err))
	}

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		dir:       dir,
		engine:    eng,
		retention: ret,
		channels:  chs,
		now:       time.Now,
	}
	a.debug = debugsrv.New(mapDebugConfig(cfg), func() any { return a.Stats() }, log)
	if err := a.seed(context.Background(), cfg); err != nil {
		return nil, closeOnErr(store, err)
	}
	return a, nil
}

func closeOnErr(st storage.Store, err error) error {
	if st != nil {
		_ = st.Close()
	}
	return err
}

// seed loads the optional seed file and schedules the default reminders for
// every seeded event whose reminder time is still ahead.
func (a *App) seed(ctx context.Context, cfg *config.Config) error {
	path := strings.TrimSpace(cfg.Seed)
	if path == "" {
		return nil
	}
	events, participants, err := directory.LoadSeedFile(path, a.dir, a.now())
	if err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	scheduled := 0
	for _, e := range a.dir.Events() {
		ns, err := a.engine.ScheduleEventReminders(ctx, e.ID)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				a.log.Debug("seed event not scheduled", logx.String("event_id", e.ID), logx.Err(err))
				continue
			}
			return err
		}
		scheduled += len(ns)
	}
	a.log.Info("seed loaded",
		logx.String("path", path),
		logx.Int("events", events),
		logx.Int("participants", participants),
		logx.Int("scheduled", scheduled),
	)
	return nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

// Stats is the operator snapshot served by the debug endpoint.
type Stats struct {
	Engine        engine.Stats        `json:"engine"`
	Retention     retention.Report    `json:"retention_last_run"`
	RetentionNext time.Time           `json:"retention_next,omitempty"`
	Goroutines    supervisor.Counters `json:"goroutines"`
}

func (a *App) Stats() Stats {
	return Stats{
		Engine:        a.engine.Stats(),
		Retention:     a.retention.LastRun(),
		RetentionNext: a.retention.Next(),
		Goroutines:    a.sup.Counters(),
	}
}

func (a *App) Directory() *directory.Memory { return a.dir }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.retention.Validate(mapRetentionConfig(cfg))
	})

	cfg := a.cfgm.Get()
	if cfg.Processor.Enabled {
		interval, _, err := processorSettings(cfg)
		if err != nil {
			return err
		}
		if err := a.engine.StartNotificationProcessor(interval); err != nil {
			return err
		}
	}
	if err := a.retention.Start(a.sup.Context()); err != nil {
		return err
	}

	a.debug.Start(a.sup.Context())

	// Delivery outcomes are useful at debug level; the bus drops when we lag.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(10),
	)

	a.log.Info("app started", logx.Any("channels", a.engine.Channels()), logx.Bool("processor", cfg.Processor.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	// An in-flight dispatch is bounded by the dispatch timeout; give the
	// processor that long plus slack so the journal is not closed under it.
	step("processor", processorStopLimit(a.engine.Dispatcher().Timeout()), func(c context.Context) error {
		err := a.engine.StopNotificationProcessor(c)
		if errors.Is(err, domain.ErrNotRunning) {
			return nil
		}
		return err
	})
	step("retention", 2*time.Second, func(c context.Context) error { a.retention.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Any("stats", a.engine.Stats()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func processorStopLimit(dispatchTimeout time.Duration) time.Duration {
	return dispatchTimeout + time.Second
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn MUST honor its context.
func runStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Leak logging: observe when/if the step eventually finishes.
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
