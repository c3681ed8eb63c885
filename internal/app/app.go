package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guardbot/internal/defense"
	"guardbot/internal/eventbus"
	"guardbot/internal/helpforum"
	"guardbot/internal/info"
	"guardbot/internal/modapi"
	"guardbot/internal/modlog"
	"guardbot/internal/observability/httpdebug"
	"guardbot/internal/router"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	telegram "guardbot/internal/transport/telegram/adapter"
	"guardbot/internal/watch"
	"guardbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	modlog  *modlog.Service
	defense *defense.Service
	forum   *helpforum.Service
	watch   *watch.Service
	debug   *httpdebug.Service
	router  *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	mlCfg, err := mapModLogConfig(cfg)
	if err != nil {
		return nil, err
	}
	modlogSvc := modlog.New(mlCfg, ad, log.With(logx.String("comp", "modlog")), bus, store)

	// Moderation-record API client (optional)
	var api *modapi.Client
	if cfg.ModAPI != nil && strings.TrimSpace(cfg.ModAPI.BaseURL) != "" {
		apiCfg, err := mapModAPIConfig(cfg)
		if err != nil {
			return nil, err
		}
		api, err = modapi.New(apiCfg, log.With(logx.String("comp", "modapi")))
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		modlog:  modlogSvc,
		updates: make(chan kit.Update, 256),
	}

	if cfg.Defense != nil && cfg.Defense.Enabled {
		dCfg, err := mapDefenseConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.defense = defense.New(dCfg, defense.Deps{
			Adapter: ad,
			ModLog:  modlogSvc,
			Store:   store,
			Bus:     bus,
			Log:     log,
		})
	}

	if cfg.HelpForum != nil && cfg.HelpForum.Enabled {
		fCfg, err := mapHelpForumConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.forum = helpforum.New(fCfg, helpforum.Deps{
			Adapter: ad,
			Store:   store,
			Bus:     bus,
			Log:     log,
		})
	}

	if cfg.Watch != nil && cfg.Watch.Enabled {
		wCfg, err := mapWatchConfig(cfg)
		if err != nil {
			return nil, err
		}
		deps := watch.Deps{ModLog: modlogSvc, Store: store, Bus: bus, Log: log}
		if api != nil {
			deps.API = api
		}
		a.watch = watch.New(wCfg, deps)
	}

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = httpdebug.New(dbgCfg, log)

	iDeps := info.Deps{Adapter: ad, Log: log}
	if a.defense != nil {
		iDeps.Defense = a.defense
	}
	if a.watch != nil {
		iDeps.Watch = a.watch
	}
	infoSvc := info.New(info.Config{GuardedChatID: cfg.Telegram.GuardedChatID}, iDeps)

	rDeps := router.Deps{
		Adapter: ad,
		Info:    infoSvc,
		History: modlogSvc,
		Log:     log,
	}
	if a.defense != nil {
		rDeps.Defense = a.defense
	}
	if a.forum != nil {
		rDeps.Forum = a.forum
	}
	if a.watch != nil {
		rDeps.Watch = a.watch
	}
	a.router = router.New(router.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs}, rDeps)

	return a, nil
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapModLogConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		if cfg.Defense != nil {
			if _, err := mapDefenseConfig(cfg); err != nil {
				return err
			}
		}
		if cfg.HelpForum != nil {
			if _, err := mapHelpForumConfig(cfg); err != nil {
				return err
			}
		}
		if cfg.Watch != nil {
			if _, err := mapWatchConfig(cfg); err != nil {
				return err
			}
		}
		if cfg.ModAPI != nil && strings.TrimSpace(cfg.ModAPI.BaseURL) != "" {
			if _, err := mapModAPIConfig(cfg); err != nil {
				return err
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.modlog.Enabled() {
		a.modlog.Start(a.sup.Context())
	}
	if a.defense != nil {
		if err := a.defense.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.forum != nil {
		if err := a.forum.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.watch != nil {
		if err := a.watch.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	// Scheduler and pipeline lifecycle events, at debug level for observability.
	events, unsub := a.bus.SubscribeTypes(128, "task.", "modlog.")
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

	// Hot reload fan-out.
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}

				a.applyReload(c, newCfg, sections)

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services. Sections
// that cannot be re-wired live (telegram, storage, defense, help_forum,
// watch) log a restart-required warning instead.
func (a *App) applyReload(ctx context.Context, cfg *Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "defense", "help_forum", "watch":
			a.log.Warn("section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if mlCfg, err := mapModLogConfig(cfg); err == nil {
		prevEnabled := a.modlog.Enabled()
		a.modlog.Apply(mlCfg)
		if prevEnabled && !mlCfg.Enabled {
			a.log.Info("modlog disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.modlog.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && mlCfg.Enabled {
			a.log.Info("modlog enabled via config")
			a.modlog.Start(ctx)
		}
	}

	if dbgCfg, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(ctx, dbgCfg)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't stall the
	// whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Subsystems holding timers stop first so no new sends hit the pipeline.
	step("defense", 2*time.Second, func(c context.Context) error {
		if a.defense != nil {
			a.defense.Stop(c)
		}
		return nil
	})
	step("helpforum", 2*time.Second, func(c context.Context) error {
		if a.forum != nil {
			a.forum.Stop(c)
		}
		return nil
	})
	step("watch", 2*time.Second, func(c context.Context) error {
		if a.watch != nil {
			a.watch.Stop(c)
		}
		return nil
	})
	step("httpdebug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("modlog", 3*time.Second, func(c context.Context) error { a.modlog.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (router, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
