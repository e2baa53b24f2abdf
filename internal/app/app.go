package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"digestd/internal/config"
	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/gatherer"
	"digestd/internal/mailer"
	"digestd/internal/metrics"
	"digestd/internal/observability/httpserver"
	"digestd/internal/render"
	rtsup "digestd/internal/runtime/supervisor"
	"digestd/internal/scheduler"
	"digestd/internal/storage"
	logx "digestd/pkg/logx"
	"digestd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mailer  *mailer.Mailer
	sched   *scheduler.Service
	metrics *metrics.Exporter
	http    *httpserver.Service
}

// NewApp loads the config at cfgPath and wires every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logSvc, log := logx.New(mapLogging(cfg))
	a, err := build(cfg, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config, logSvc *logx.Service, root logx.Logger) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// Gatherer queries share the preference database when there is one.
	var g scheduler.Gatherer = gatherer.Empty{}
	if sb, ok := store.(storage.SQLBacked); ok {
		g = gatherer.NewSQL(sb.DB(), sb.Rebind, mapGatherer(cfg), root.With(logx.String("comp", "gatherer")))
	} else {
		log.Warn("storage driver has no CRM tables; digests will be empty", logx.String("driver", sc.Driver))
	}

	rnd, err := render.New(render.Options{ProductName: cfg.Mailer.ProductName})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ml, err := mailer.New(mapMailer(cfg), rnd, root.With(logx.String("comp", "mailer")), bus)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("mailer: %w", err)
	}

	sched := scheduler.New(mapScheduler(cfg), scheduler.Deps{
		Store:     store,
		Gatherer:  g,
		Deliverer: ml,
	}, root.With(logx.String("comp", "scheduler")), bus)

	exp := metrics.New(mapMetrics(cfg), bus)

	a := &App{
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		mailer:  ml,
		sched:   sched,
		metrics: exp,
	}
	a.http = httpserver.New(mapHTTP(cfg), httpserver.Handlers{
		Metrics: exp.Handler(),
		Stats:   sched,
		Trigger: sched,
		Health:  a.health,
		Supervisor: func() rtsup.Snapshot {
			return a.sup.Snapshot()
		},
	}, root.With(logx.String("comp", "http")))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

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

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	if a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.sup.Go0("metrics.observe", func(c context.Context) { a.metrics.Observe(c, a.bus) })

	// Debug-level event log; frequent passes would be noisy at info.
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
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	a.sched.Start(c)
	if a.http.Enabled() {
		a.http.Start(c)
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
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
					a.applyConfig(c, lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.sched.Apply(mapScheduler(newCfg))
	if err := a.mailer.Apply(mapMailer(newCfg)); err != nil {
		a.log.Warn("invalid mailer config; keeping previous", logx.Err(err))
	}
	a.http.Reconfigure(ctx, mapHTTP(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// TriggerOnce sends one digest without starting the timer. Used by the CLI.
func (a *App) TriggerOnce(ctx context.Context, userID string, c digest.Cadence) (scheduler.RunResult, error) {
	return a.sched.TriggerForUser(ctx, userID, c)
}

// Plan returns the sleep the planner would choose right now.
func (a *App) Plan(ctx context.Context, now time.Time) (time.Duration, int, error) {
	prefs, err := a.store.ListActive(ctx)
	if err != nil {
		return 0, 0, err
	}
	return digest.NextSleep(prefs, now, a.sched.PlanPolicy()), len(prefs), nil
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			// Respect the caller's deadline; never extend it.
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler drains its in-flight pass before storage closes.
	step("scheduler", 35*time.Second, a.sched.Stop)
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
