// Package app assembles the runtime: config, logging, storage, the module
// loader, both dispatchers, and the background scheduler. It owns startup
// order and the bounded shutdown sequence.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "modbot/pkg/logx"

	"modbot/internal/builtin"
	"modbot/internal/config"
	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	"modbot/internal/module"
	"modbot/internal/platform"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	"modbot/internal/task"
)

const defaultSweepInterval = 60 * time.Second

// App is the assembled bot runtime.
type App struct {
	cfgm    *config.Manager
	adapter platform.Adapter

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store

	loader *module.Loader
	stats  *dispatch.Stats
	cmdd   *dispatch.CommandDispatcher
	evd    *dispatch.EventDispatcher
	sched  *task.Scheduler

	sup     *supervisor.Supervisor
	updates chan platform.Update

	stopOnce sync.Once
}

// New loads the config at cfgPath and wires every component. The adapter is
// the external platform client; the runtime only sees its API surface.
func New(cfgPath string, adapter platform.Adapter) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Bootstrap logging without the platform sink first; the sink needs the
	// adapter, and early failures should still reach the console.
	bootCfg := mapLoggingConfig(cfg)
	bootCfg.Platform.Enabled = false
	logs, log := logx.New(bootCfg, nil)
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	logs.SetSender(func(ctx context.Context, threadID, text string) error {
		_, err := adapter.SendMessage(ctx, platform.ThreadTarget{ThreadID: threadID}, text, nil)
		return err
	})
	logs.SetPlatformTarget(cfg.Bot.LogThreadID)
	logs.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg.Storage), log.With(logx.String("component", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	notifyWindow, err := config.ParseDurationOrDefault("maintenance.notify_cooldown", cfg.Maintenance.NotifyCooldown, time.Minute)
	if err != nil {
		log.Warn("invalid maintenance notify cooldown, using default", logx.Err(err))
	}
	maint := dispatch.NewMaintenance(cfg.Maintenance.Enabled, cfg.Maintenance.Message, notifyWindow)
	stats := dispatch.NewStats(0)

	loader := module.NewLoader(
		log.With(logx.String("component", "loader")),
		bus,
		module.Defaults{CooldownSeconds: cfg.Commands.DefaultCooldown},
	)

	cmdReg := dispatch.NewCommandRegistry()
	evReg := dispatch.NewEventRegistry()

	sched := task.NewScheduler(task.Options{
		Logger:      log.With(logx.String("component", "scheduler")),
		Bus:         bus,
		Loader:      loader,
		Primary:     func() platform.API { return adapter },
		Maintenance: maint.Active,
	})

	loader.SetRegistrar(module.KindCommand, cmdReg)
	loader.SetRegistrar(module.KindEvent, evReg)
	loader.SetRegistrar(module.KindTask, sched)

	cmdd := dispatch.NewCommandDispatcher(dispatch.CommandDispatcherOptions{
		Registry: cmdReg,
		Config:   cfgm.Get,
		API:      adapter,
		Logger:   log.With(logx.String("component", "commands")),
		Stats:    stats,
		Maint:    maint,
		Store:    store,
		Bus:      bus,
	})
	evd := dispatch.NewEventDispatcher(dispatch.EventDispatcherOptions{
		Registry: evReg,
		Config:   cfgm.Get,
		API:      adapter,
		Logger:   log.With(logx.String("component", "events")),
		Stats:    stats,
		Maint:    maint,
		Bus:      bus,
	})

	if err := builtin.Register(cmdReg); err != nil {
		logs.Close()
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		adapter: adapter,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		loader:  loader,
		stats:   stats,
		cmdd:    cmdd,
		evd:     evd,
		sched:   sched,
	}

	h := &registryHandle{a: a}
	cmdd.SetHandle(h)
	evd.SetHandle(h)

	return a, nil
}

// Start loads the module directories, starts the scheduler and the adapter,
// and spins the dispatch, sweep, and config loops under the supervisor.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	sctx := a.sup.Context()

	a.cfgm.SetValidator(validateConfig)

	a.loadAll(sctx, cfg)

	a.sched.Start(sctx)
	started := a.sched.StartAll(sctx)
	a.log.Info("scheduler started", logx.Int("tasks", started))

	a.updates = make(chan platform.Update, 256)
	if err := a.adapter.Start(sctx, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	a.sup.Go("dispatch", a.dispatchLoop)
	a.sup.Go("sweep", a.sweepLoop)
	a.sup.Go0("eventbus-debug", a.debugLoop)
	a.sup.Go0("config-reload", a.reloadLoop)
	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.sup.GoRestart("module-watch", a.watchModules)

	a.log.Info("bot started",
		logx.Int("commands", a.cmdd.Registry().Len()),
		logx.Int("events", a.evd.Registry().Len()),
		logx.Uint64("load_errors", a.loader.Errors()))
	return nil
}

func (a *App) loadAll(ctx context.Context, cfg *config.Config) {
	load := func(dirs []string, kind module.Kind) {
		for _, dir := range dirs {
			n, errs := a.loader.LoadDirectory(ctx, dir, kind)
			a.log.Info("modules loaded",
				logx.String("kind", string(kind)),
				logx.String("dir", dir),
				logx.Int("loaded", n),
				logx.Int("failed", len(errs)))
		}
	}
	load(cfg.Commands.Directories, module.KindCommand)
	load(cfg.Events.Directories, module.KindEvent)
	load(cfg.Tasks.Directories, module.KindTask)
}

func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-a.updates:
			if !ok {
				return nil
			}
			switch u.Kind {
			case platform.UpdateMessage:
				a.cmdd.Dispatch(ctx, u.Message)
			case platform.UpdateEvent:
				a.evd.Dispatch(ctx, u.Event)
			}
		}
	}
}

func (a *App) sweepLoop(ctx context.Context) error {
	interval := a.sweepInterval()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			a.cmdd.Sweep(now)
			if next := a.sweepInterval(); next != interval {
				interval = next
				t.Reset(interval)
			}
		}
	}
}

func (a *App) sweepInterval() time.Duration {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return defaultSweepInterval
	}
	d, err := config.ParseDurationOrDefault("sweep_interval", cfg.SweepInterval, defaultSweepInterval)
	if err != nil || d <= 0 {
		return defaultSweepInterval
	}
	return d
}

// debugLoop traces internal bus events. It is a pure observer; dropping
// events under load is acceptable.
func (a *App) debugLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("bus event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies committed config changes to the live components.
// Bursts are coalesced; only the latest config is applied.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)

	prev := a.cfgm.Get()
	for {
		var cfg *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg = <-ch:
		}
	DRAIN:
		for {
			select {
			case next := <-ch:
				cfg = next
			default:
				break DRAIN
			}
		}
		if cfg == nil {
			continue
		}
		a.applyConfig(prev, cfg)
		prev = cfg
	}
}

func (a *App) applyConfig(prev, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.logs.SetPlatformTarget(cfg.Bot.LogThreadID)

	window, err := config.ParseDurationOrDefault("maintenance.notify_cooldown", cfg.Maintenance.NotifyCooldown, time.Minute)
	if err != nil {
		a.log.Warn("invalid maintenance notify cooldown", logx.Err(err))
	}
	maint := a.cmdd.Maint()
	maint.Update(cfg.Maintenance.Message, window)
	// Only flip the flag when the file actually changed it, so a live admin
	// toggle is not clobbered by an unrelated reload.
	if prev == nil || prev.Maintenance.Enabled != cfg.Maintenance.Enabled {
		maint.Set(cfg.Maintenance.Enabled)
	}

	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// Stop shuts the runtime down in order, bounding every step so a stuck
// component cannot wedge the process.
func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() { a.stop(ctx) })
}

func (a *App) stop(ctx context.Context) {
	step := func(name string, max time.Duration, fn func(ctx context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err))
			}
		case <-sctx.Done():
			a.log.Warn("shutdown step timed out, leaking", logx.String("step", name), logx.Duration("max", max))
		}
	}

	step("adapter", 10*time.Second, a.adapter.Stop)
	step("scheduler", 15*time.Second, func(ctx context.Context) error {
		a.sched.Stop(ctx)
		return nil
	})
	if a.sup != nil {
		step("supervisor", 10*time.Second, a.sup.Stop)
	}
	if a.store != nil {
		step("storage", 5*time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.log.Info("bot stopped")
	a.logs.Close()
}

// validateConfig is the hot-reload gate: a file that fails here is rejected
// and the previous config stays live.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("empty config")
	}
	if cfg.Prefix.IsEnabled() && cfg.Prefix.Primary == "" {
		return fmt.Errorf("prefix.primary required while prefixing is enabled")
	}
	if _, err := config.ParseDurationOrDefault("sweep_interval", cfg.SweepInterval, defaultSweepInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("maintenance.notify_cooldown", cfg.Maintenance.NotifyCooldown, time.Minute); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
			return err
		}
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Platform: logx.PlatformConfig{
			Enabled:    cfg.Logging.Platform.Enabled,
			ThreadID:   cfg.Bot.LogThreadID,
			MinLevel:   cfg.Logging.Platform.MinLevel,
			RatePerSec: cfg.Logging.Platform.RatePerSec,
		},
	}
}

func mapStorageConfig(sc *config.StorageConfig) storage.Config {
	if sc == nil {
		return storage.Config{}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		busy = time.Second
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}
}
