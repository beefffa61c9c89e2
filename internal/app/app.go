package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"guardbot/internal/broadcast"
	"guardbot/internal/config"
	"guardbot/internal/directory"
	"guardbot/internal/eventbus"
	"guardbot/internal/moderation"
	"guardbot/internal/observability"
	"guardbot/internal/render"
	"guardbot/internal/retract"
	"guardbot/internal/router"
	rtsup "guardbot/internal/runtime/supervisor"
	"guardbot/internal/storage"
	"guardbot/internal/subscription"
	"guardbot/internal/timers"
	kit "guardbot/internal/transport"
	telegram "guardbot/internal/transport/telegram/adapter"
	logx "guardbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *prometheus.Registry

	adapter kit.Adapter

	timers    *timers.Registry
	retractor *retract.Scheduler
	gate      *moderation.Gate
	dir       *directory.Directory
	registrar *subscription.Registrar
	router    *router.Router
	obs       *observability.Service
	core      *Core

	// nil when broadcasting is disabled
	job     *broadcast.Job
	catalog *broadcast.Catalog
	disp    *broadcast.Dispatcher
	sched   *broadcast.Scheduler

	updates       chan kit.Update
	routerDone    chan struct{}
	registrarDone chan struct{}
}

// NewApp loads and validates the config file and connects to Telegram.
func NewApp(cfgPath string) (*App, error) {
	cfgm, err := config.NewManager(cfgPath, config.WithValidator(config.Validate))
	if err != nil {
		return nil, err
	}
	cfg := cfgm.Current()

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

// build wires every component around an already connected adapter.
func build(cfgm *config.Manager, cfg *config.Config, ad kit.Adapter) (*App, error) {
	// Chat logging starts disabled so Apply() does not warn before the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if id := groupLogTarget(cfg); id != 0 {
		logSvc.SetChatTarget(id, cfg.Logging.Chat.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	policy, err := mapPolicy(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	// Moderation replies and broadcasts share the same picture conversion.
	raster, err := mapRasterizer(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := eventbus.New()
	reg := timers.New(root.With(logx.String("comp", "timers")))
	retractor := retract.New(ad, reg,
		retract.WithLogger(root.With(logx.String("comp", "retract"))),
		retract.WithBus(bus),
		retract.WithRegisterer(prom),
	)
	gate := moderation.NewGate(policy,
		moderation.WithLogger(root.With(logx.String("comp", "moderation"))),
		moderation.WithMetrics(moderation.NewMetrics(prom)),
		moderation.WithBus(bus),
	)
	dir := directory.New(store, root.With(logx.String("comp", "directory")))

	rcfg, err := mapRegistrarConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registrar := subscription.New(rcfg, store, root.With(logx.String("comp", "subscription")), subscription.WithBus(bus))

	a := &App{
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		prom:          prom,
		adapter:       ad,
		timers:        reg,
		retractor:     retractor,
		gate:          gate,
		dir:           dir,
		registrar:     registrar,
		updates:       make(chan kit.Update, 256),
		routerDone:    make(chan struct{}),
		registrarDone: make(chan struct{}),
	}

	a.core = NewCore(CoreDeps{
		Log:          root.With(logx.String("comp", "core")),
		Gate:         gate,
		Sender:       ad,
		Replies:      &render.Renderer{Raster: raster, Log: root.With(logx.String("comp", "render"))},
		Retract:      retractor,
		Store:        store,
		Registrar:    registrar,
		ReplyRetract: seconds(cfg.Moderation.RetractDelaySeconds),
	})

	if cfg.Broadcast.Enabled {
		job, err := mapJob(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.job = &job
		renderer := &render.Renderer{Raster: raster, Log: root.With(logx.String("comp", "render"))}
		a.catalog = broadcast.NewCatalog(cfg.Broadcast.Messages, renderer)
		a.disp = broadcast.NewDispatcher(ad, dir, a.catalog,
			broadcast.WithLogger(root.With(logx.String("comp", "broadcast"))),
			broadcast.WithBus(bus),
			broadcast.WithRetractor(retractor),
			broadcast.WithRate(cfg.Broadcast.RatePerSec),
			broadcast.WithRegisterer(prom),
		)
	}

	a.router = router.New(root.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithHooks(router.Hooks{
			Observe:       dir.Observe,
			BeforeExecute: a.core.OnCommandBeforeExecute,
			OnMessage:     a.core.OnMessage,
			OnMember: func(ctx context.Context, kind kit.UpdateKind, ev *kit.MemberEvent) {
				if kind == kit.UpdateMemberJoined {
					a.core.OnMemberJoined(ctx, ev)
					return
				}
				a.core.OnMemberLeft(ctx, ev)
			},
		}),
	)
	a.router.SetRegistry(a.adminCommands(), a.callbackRoutes())

	ocfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.obs = observability.New(ocfg, root.With(logx.String("comp", "observability")),
		observability.WithGatherer(prom),
		observability.WithAdmin(httpAdmin{core: a.core}),
		observability.WithHealth(a.health),
	)
	return a, nil
}

// Core exposes the moderation and broadcast surface.
func (a *App) Core() *Core { return a.core }

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

// Healthy reports whether the app is running and the dispatch loop is alive.
func (a *App) Healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	select {
	case <-a.routerDone:
		return false
	default:
		return true
	}
}

func (a *App) health() (map[string]any, error) {
	out := map[string]any{
		"cooldowns":           a.gate.ActiveCount(),
		"timers":              a.timers.Len(),
		"broadcast_enabled":   a.disp != nil,
		"broadcast_running":   a.disp != nil && a.disp.Running(),
		"subscription_active": a.registrar.Active(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
		if err := a.sup.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.disp != nil {
		a.sched = broadcast.NewScheduler(a.sup.Context(), a.disp, *a.job, a.timers,
			broadcast.WithSchedulerLogger(a.log.With(logx.String("comp", "broadcast.scheduler"))),
		)
		a.core.attachBroadcast(a.sup.Context(), a.sched, a.disp)
		if _, err := a.core.ScheduleDailyBroadcasts(); err != nil {
			return fmt.Errorf("schedule broadcasts: %w", err)
		}
	}

	if a.registrar.Active() {
		a.sup.Go0("subscription.registrar", func(c context.Context) {
			defer close(a.registrarDone)
			a.registrar.Run(c)
		})
	} else {
		close(a.registrarDone)
	}

	a.obs.Start(a.sup.Context())

	a.sup.Go("router.dispatch", func(c context.Context) error {
		defer close(a.routerDone)
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})


	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Uint64("dropped", eventbus.Dropped(a.bus)))
				}
			}
		})
	}

	if a.cfgm != nil {
		a.sup.Go0("config.reload", a.reloadLoop)
		// fsnotify watchers can break (editor swaps, overflow); restart instead of failing the app
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	}

	a.log.Info("app started",
		logx.Bool("broadcast", a.disp != nil),
		logx.Bool("subscription", a.registrar.Active()),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-a.cfgm.Changes():
			a.applyConfig(ch.Old, ch.New)
		}
	}
}

// applyConfig updates what can change live (logging and owners) and flags the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	// update log target first (so Apply() doesn't warn when chat logging is enabled)
	a.logs.SetChatTarget(groupLogTarget(newCfg), newCfg.Logging.Chat.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
	waitClosed := func(ch <-chan struct{}) func(context.Context) error {
		return func(c context.Context) error {
			select {
			case <-ch:
				return nil
			case <-c.Done():
				return c.Err()
			}
		}
	}

	step("router", 3*time.Second, waitClosed(a.routerDone))
	step("scheduler", 2*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	step("timers", time.Second, func(context.Context) error {
		if n := a.timers.CancelAll(); n > 0 {
			a.log.Info("pending timers canceled", logx.Int("count", n))
		}
		return nil
	})
	step("registrar", 2*time.Second, waitClosed(a.registrarDone))
	step("observability", 2*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
