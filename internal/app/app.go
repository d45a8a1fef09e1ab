package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"slotwatch/internal/browser"
	"slotwatch/internal/check"
	"slotwatch/internal/commands"
	"slotwatch/internal/config"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/inbox"
	"slotwatch/internal/metrics"
	"slotwatch/internal/notifier"
	"slotwatch/internal/operator"
	"slotwatch/internal/ops"
	"slotwatch/internal/runtime/supervisor"
	"slotwatch/internal/scheduler"
	"slotwatch/internal/storage"
	kit "slotwatch/internal/transport"
	"slotwatch/internal/transport/telegram"
	"slotwatch/internal/workhours"
	logx "slotwatch/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	settings config.Settings

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	metrics *metrics.Collector

	adapter kit.Adapter
	hub     *inbox.Hub
	op      *operator.Channel
	gate    *workhours.Gate

	channels  []*notifier.Reliable
	escalator *escalation.Escalator
	orch      *check.Orchestrator
	sched     *scheduler.Service
	ops       *ops.Service
	cmdm      *commands.Manager

	// base outlives the supervisor so sessions can be torn down in order on Stop.
	base       context.Context
	baseCancel context.CancelFunc

	runOnStart bool
	startedAt  time.Time

	updates  chan kit.Update
	stopReq  chan StopReason
	stopOnce sync.Once
}

// deps are the collaborators that talk to the outside world. Nil launcher and
// http get the production defaults.
type deps struct {
	adapter  kit.Adapter
	launcher browser.Launcher
	http     *http.Client
}

// NewApp loads the config at cfgPath and wires every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(ValidateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: s.PollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	return build(cfgm, cfg, s, deps{adapter: ad})
}

func build(cfgm *config.Manager, cfg *config.Config, s config.Settings, d deps) (*App, error) {
	// Telegram logging needs its target before it is enabled.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, d.adapter)
	target := operatorTarget(cfg)
	logSvc.SetTelegramTarget(target)
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	if d.launcher == nil {
		d.launcher = browser.NewChromeLauncher(mapBrowserConfig(cfg), log)
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: 30 * time.Second}
	}

	a := &App{
		cfgm:       cfgm,
		settings:   s,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        eventbus.New(),
		metrics:    metrics.New(),
		adapter:    d.adapter,
		hub:        inbox.NewHub(cfg.Telegram.OperatorID),
		op:         operator.New(d.adapter, target),
		runOnStart: cfg.Schedule.RunOnStart,
		updates:    make(chan kit.Update, 256),
		stopReq:    make(chan StopReason, 1),
	}
	a.base, a.baseCancel = context.WithCancel(context.Background())

	fail := func(err error) (*App, error) {
		a.baseCancel()
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(mapStorageConfig(cfg, s), log)
	if err != nil {
		return fail(fmt.Errorf("open journal: %w", err))
	}
	a.store = store

	w, err := workhours.NewWindow(
		firstNonEmpty(cfg.WorkingHours.Start, config.DefaultWorkingHoursStart),
		firstNonEmpty(cfg.WorkingHours.End, config.DefaultWorkingHoursEnd),
		cfg.WorkingHours.Timezone,
	)
	if err != nil {
		return fail(fmt.Errorf("working_hours: %w", err))
	}
	a.gate = workhours.NewGate(w)

	ncfg := mapNotifierConfig(s)
	chat := notifier.Wrap(notifier.NewChat(a.op), ncfg, log, a.bus)
	channels := escalation.Channels{Chat: chat}
	a.channels = append(a.channels, chat)
	if p := cfg.Push; p != nil && p.Enabled {
		push := notifier.Wrap(notifier.NewPush(mapPushConfig(p), d.http), ncfg, log, a.bus)
		channels.Push = push
		a.channels = append(a.channels, push)
	}
	if e := cfg.Email; e != nil && e.Enabled {
		email := notifier.Wrap(notifier.NewEmail(mapEmailConfig(e)), ncfg, log, a.bus)
		channels.Email = email
		a.channels = append(a.channels, email)
	}

	a.escalator, err = escalation.New(escalation.Config{
		Interval:         s.EscalationInterval,
		MaxNotifications: s.MaxNotifications,
		EmailEvery:       s.EmailEvery,
		MaxEmails:        s.MaxEmails,
		AckText:          s.AckText,
	}, channels, a.hub, log, a.bus)
	if err != nil {
		return fail(err)
	}

	resolver, err := newResolver(cfg, s, resolverDeps{http: d.http, hub: a.hub, out: a.op}, log)
	if err != nil {
		return fail(err)
	}

	a.orch = check.New(a.base, mapCheckConfig(cfg, s), check.Deps{
		Resources: check.NewResourceManager(d.launcher, log),
		Resolver:  resolver,
		Escalator: a.escalator,
		Hub:       a.hub,
		Gate:      a.gate,
		Operator:  a.op,
		Bus:       a.bus,
		Log:       log,
	})

	a.sched, err = scheduler.New(mapScheduleConfig(cfg), log)
	if err != nil {
		return fail(err)
	}

	a.ops = ops.New(mapOpsConfig(cfg, s), func() any { return a.Status() }, a.metrics.Handler(), log)

	a.cmdm = commands.NewManager(log, d.adapter, a.hub, cfg.Telegram.OperatorID, commands.WithBus(a.bus))
	a.cmdm.SetRegistry(a.commands())

	return a, nil
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
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

// StopRequested delivers the reason when the operator asks the process to exit.
func (a *App) StopRequested() <-chan StopReason { return a.stopReq }

func (a *App) requestStop(reason StopReason) {
	a.stopOnce.Do(func() { a.stopReq <- reason })
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.ops.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.log)
		a.sup.Go("journal", func(c context.Context) error { return rec.Run(c, a.bus) })
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) { a.cmdm.SyncMenu(c) })

	// Optional: log events for observability/debug.
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

	if err := a.sched.Start(a.sup.Context(), a.scheduledCheck); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.greet(a.sup.Context())
	if a.runOnStart {
		if _, err := a.orch.Start(a.sup.Context(), check.TriggerStartup); err != nil && !errIgnored(err) {
			a.log.Warn("startup check not started", logx.Err(err))
		}
	}

	a.log.Info("app started")
	return nil
}

func (a *App) scheduledCheck(ctx context.Context) error {
	_, err := a.orch.Start(ctx, check.TriggerSchedule)
	return err
}

func (a *App) greet(ctx context.Context) {
	w := a.gate.Window()
	text := fmt.Sprintf("slotwatch is up.\nWorking hours: %s\nSchedule: %s\nSend /help for commands.", w, a.sched.Spec())
	sctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := a.op.Send(sctx, text); err != nil {
		a.log.Warn("greeting failed", logx.Err(err))
	}
}

// startConfigReload applies the logging section live; everything else is
// reported as needing a restart.
func (a *App) startConfigReload() {
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}

				a.logs.SetTelegramTarget(operatorTarget(newCfg))
				a.logs.Apply(mapLogConfig(newCfg))

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				if len(restart) > 0 {
					a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
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

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("session", a.settings.GraceDelay, func(c context.Context) error {
		err := a.orch.Shutdown(c)
		a.baseCancel()
		a.hub.CancelAll()
		return err
	})
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Wait for supervised goroutines (config watch/reload, command dispatcher, journal, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// errIgnored marks trigger outcomes that are expected and not worth an error log.
func errIgnored(err error) bool {
	return errors.Is(err, check.ErrBusy) || errors.Is(err, check.ErrOutsideWindow) || errors.Is(err, check.ErrShuttingDown)
}
