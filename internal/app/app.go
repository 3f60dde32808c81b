package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strings"
	"time"

	"ritualbot/internal/clock"
	"ritualbot/internal/config"
	"ritualbot/internal/eventbus"
	"ritualbot/internal/httpapi"
	"ritualbot/internal/interrupt"
	"ritualbot/internal/notifier"
	"ritualbot/internal/observability/pprof"
	rtsup "ritualbot/internal/runtime/supervisor"
	"ritualbot/internal/storage"
	tgadapter "ritualbot/internal/transport/telegram/adapter"
	"ritualbot/internal/transport/telegram/router"
	logx "ritualbot/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// user is one tracked user's loop and response flow.
type user struct {
	id        string
	loop      *interrupt.Loop
	responder *interrupt.Responder
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Repository
	clk   *clock.Reference
	waker *interrupt.CronWaker
	notif *notifier.Service

	tg    *router.Router
	http  *httpapi.Server
	pprof *pprof.Server

	users []*user
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logSvc, log := logx.New(mapLogConfig(cfg))
	a, err := build(cfgm, cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	clk, err := clock.New(timezoneOf(cfg))
	if err != nil {
		return nil, err
	}
	a.clk = clk
	table, err := buildTable(cfg)
	if err != nil {
		return nil, err
	}
	loopCfg, err := mapLoopConfig(cfg)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.fail(err)
	}
	var sinks []notifier.Sink
	if ncfg.Console {
		sinks = append(sinks, notifier.NewConsoleSink(os.Stdout, ncfg.Bell))
	}
	a.notif = notifier.New(ncfg, sinks, log, a.bus)

	if a.waker, err = interrupt.NewCronWaker(table, clk.Location(), log); err != nil {
		return nil, a.fail(err)
	}

	var hub *httpapi.Hub
	if cfg.Telegram.Enabled {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, a.fail(err)
		}
		ad, err := tgadapter.New(tgadapter.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
		if err != nil {
			return nil, a.fail(fmt.Errorf("telegram: %w", err))
		}
		a.tg = router.New(ad, store, router.Config{}, log)
	}
	if cfg.HTTP.Enabled {
		hub = httpapi.NewHub(log)
		a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr, Health: func() any { return a.Health() }}, hub, log)
	}

	if cfg.Pprof.Enabled {
		a.pprof = pprof.New(mapPprofConfig(cfg), log)
		if err := a.pprof.Check(); err != nil {
			return nil, a.fail(err)
		}
	}

	for _, uc := range cfg.Users {
		pres := interrupt.Presenters{a.notif}
		if a.tg != nil {
			pres = append(pres, a.tg)
		}
		if hub != nil {
			pres = append(pres, hub)
		}
		lc := loopCfg
		lc.UserID = strings.TrimSpace(uc.ID)
		loop := interrupt.NewLoop(lc, table, clk, store, pres, a.bus, log)
		resp := interrupt.NewResponder(loop, store, buildPrompts(cfg, seedFor(lc.UserID)), log)
		u := &user{id: lc.UserID, loop: loop, responder: resp}
		a.users = append(a.users, u)

		if a.tg != nil {
			a.tg.Register(&router.Session{UserID: u.id, ChatID: uc.ChatID, Loop: loop, Responder: resp})
		}
		if a.http != nil {
			a.http.Register(u.id, httpapi.Session{Loop: loop, Responder: resp})
		}
	}
	return a, nil
}

func (a *App) fail(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

// seedFor gives each user a stable but distinct prompt order per process start.
func seedFor(userID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(userID))
	return h.Sum64() ^ uint64(time.Now().UnixNano())
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health is served on /healthz.
type Health struct {
	Runtime rtsup.Health           `json:"runtime"`
	Users   []interrupt.Snapshot   `json:"users"`
	Next    time.Time              `json:"next_wake,omitempty"`
	Sent    []notifier.HistoryItem `json:"recent_notifications,omitempty"`
}

func (a *App) Health() Health {
	h := Health{Runtime: a.sup.Health()}
	for _, u := range a.users {
		h.Users = append(h.Users, u.loop.Snapshot())
	}
	if a.waker != nil {
		h.Next = a.waker.Next(a.clk.Now())
	}
	if a.notif != nil {
		sent := a.notif.History()
		if len(sent) > 10 {
			sent = sent[len(sent)-10:]
		}
		h.Sent = sent
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	c := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.waker.Start()

	for _, u := range a.users {
		a.sup.Go("loop."+u.id, func(c context.Context) error {
			return u.loop.Run(c, a.waker)
		})
	}
	if a.tg != nil {
		a.sup.GoRestart("telegram", a.tg.Run,
			rtsup.WithRestartBackoff(time.Second, time.Minute),
			rtsup.WithPublishFirstError(true),
		)
	}
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
		a.sup.Go("ws.hub", func(c context.Context) error { return a.http.Hub().Run(c, a.bus) })
	}

	if a.pprof != nil {
		a.sup.GoRestart("pprof", a.pprof.Run, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("user", e.UserID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("users", len(a.users)), logx.String("timezone", a.clk.Location().String()),
		logx.Bool("telegram", a.tg != nil), logx.Bool("http", a.http != nil))
	return nil
}

// applyConfig pushes a committed config to the running components. Sections
// that are wired at construction only produce a restart warning.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	restart := config.RestartRequired(sections)
	if oldCfg != nil && (timezoneOf(oldCfg) != timezoneOf(newCfg) ||
		!slices.Equal(oldCfg.Interrupts.Slots, newCfg.Interrupts.Slots) ||
		!slices.Equal(oldCfg.Interrupts.Prompts, newCfg.Interrupts.Prompts)) {
		restart = append(restart, "interrupts.timezone/slots/prompts")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if lc, err := mapLoopConfig(newCfg); err != nil {
		a.log.Warn("invalid interrupts config; keeping previous", logx.Err(err))
	} else {
		for _, u := range a.users {
			u.loop.Apply(lc)
			u.loop.Wake(interrupt.WakeConfig)
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("cron", time.Second, func(c context.Context) error { a.waker.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
