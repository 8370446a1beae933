// Package app wires loopd: config, logging, the event group and its
// handlers, the stall journal, diagnostics and systemd integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tierloop/internal/config"
	"tierloop/internal/diag"
	"tierloop/internal/handlers"
	"tierloop/internal/storage"
	"tierloop/internal/supervisor"
	"tierloop/pkg/eventbus"
	"tierloop/pkg/eventgroup"
	logx "tierloop/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	group      *eventgroup.EventGroup
	heartbeats []*handlers.Heartbeat
	sdWatchdog *handlers.SystemdWatchdog
	diag       *diag.Service

	// notify sends sd_notify states; swapped out in tests.
	notify func(state string) (bool, error)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	gcfg, err := cfg.ToGroupConfig()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.ToLogConfig())
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := cfg.ToJournalConfig(); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	group := eventgroup.New(gcfg, eventgroup.WithLogger(log), eventgroup.WithBus(bus))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		group:   group,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}

	for _, hc := range cfg.Heartbeats {
		prio, err := hc.ParsePriority()
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		hb, err := handlers.NewHeartbeat(hc.Name, hc.Schedule, prio, hc.Message, log)
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		if err := group.AddHandler(hb); err != nil {
			a.closeEarly()
			return nil, err
		}
		a.heartbeats = append(a.heartbeats, hb)
	}

	if cfg.Systemd.Watchdog {
		w, err := handlers.NewSystemdWatchdog(group.Core(), log)
		if err != nil {
			log.Warn("systemd watchdog unavailable", logx.Err(err))
		} else if w != nil {
			if err := group.AddHandler(w); err != nil {
				a.closeEarly()
				return nil, err
			}
			a.sdWatchdog = w
			log.Info("systemd watchdog enabled", logx.Duration("interval", w.Interval()))
		}
	}

	if _, err := toDiagConfig(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

// closeEarly releases what NewApp opened before failing.
func (a *App) closeEarly() {
	_ = a.group.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func toDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	var errs []error
	parse := func(path, raw string) time.Duration {
		v, err := config.ParseDurationField(path, raw)
		errs = append(errs, err)
		return v
	}
	out := diag.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          parse("diag.read_timeout", d.ReadTimeout),
		WriteTimeout:         parse("diag.write_timeout", d.WriteTimeout),
		IdleTimeout:          parse("diag.idle_timeout", d.IdleTimeout),
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	return out, errors.Join(errs...)
}

func (a *App) Group() *eventgroup.EventGroup { return a.group }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Logger() logx.Logger           { return a.log }

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
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := toDiagConfig(cfg); err != nil {
			return err
		}
		_, _, err := cfg.ToJournalConfig()
		return err
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.journalBuffer(), a.log)
		a.sup.GoRestart("journal.recorder", rec.Run)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.applyReloads)
	a.sup.Go("events.log", a.logEvents)

	a.group.Start()
	a.diag = diag.New(a.diagConfig(), diag.Sources{Group: a.group, Journal: a.store, Supervisor: a.sup}, a.log)
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}

	if a.cfgm.Get().Systemd.Notify {
		if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
			a.log.Warn("sd_notify READY failed", logx.Err(err))
		} else if !ok {
			a.log.Debug("sd_notify not supported (NOTIFY_SOCKET unset)")
		}
	}
	a.log.Info("started",
		logx.String("group", a.group.Name()),
		logx.String("group_id", a.group.ID()),
		logx.Int("heartbeats", len(a.heartbeats)),
		logx.Bool("journal", a.store != nil),
		logx.Bool("diag", a.diag.Enabled()),
	)
	return nil
}

func (a *App) diagConfig() diag.Config {
	d, err := toDiagConfig(a.cfgm.Get())
	if err != nil {
		a.log.Warn("invalid diag config; diagnostics disabled", logx.Err(err))
		return diag.Config{}
	}
	return d
}

func (a *App) journalBuffer() int {
	if j := a.cfgm.Get().Journal; j != nil {
		return j.Buffer
	}
	return 0
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// applyReloads applies hot sections of each committed config and warns
// about the rest.
func (a *App) applyReloads(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest.
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
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(newCfg.ToLogConfig())
		case "diag":
			if d, err := toDiagConfig(newCfg); err == nil {
				a.diag.Reconfigure(ctx, d)
			}
		}
	}
	if restart {
		a.log.Warn("config changed in sections that need a restart to take effect",
			logx.String("changed", strings.Join(sections, ",")))
	}
}

// Stop closes everything, bounding each step so one stuck component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.cfgm.Get().Systemd.Notify {
		_, _ = a.notify(daemon.SdNotifyStopping)
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The group goes first so the recorder still sees its final events.
	step("group", 10*time.Second, func(context.Context) error { return a.group.Close() })
	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	if a.store != nil {
		step("journal", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
