// Package app assembles the kiosk daemon: config, logging, the Slack
// adapter, the interaction loop, and the optional surfaces around them.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helpbutton/internal/config"
	"helpbutton/internal/directory"
	"helpbutton/internal/eventbus"
	"helpbutton/internal/httpapi"
	"helpbutton/internal/kiosk"
	"helpbutton/internal/ledger"
	"helpbutton/internal/observability/pprof"
	"helpbutton/internal/ratelimit"
	"helpbutton/internal/runtime/supervisor"
	"helpbutton/internal/selftest"
	"helpbutton/internal/storage"
	"helpbutton/internal/transport/slackbtn"
	logx "helpbutton/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder

	adapter *slackbtn.Adapter
	dir     *directory.Directory

	kiosk    *kiosk.Service
	selftest *selftest.Service
	api      *httpapi.Service
	pprof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	adapter, err := slackbtn.New(slackbtn.Config{
		BotToken: cfg.Slack.BotToken,
	}, bootLog.With(logx.String("comp", "slack")))
	if err != nil {
		return nil, err
	}

	// Bootstrap logging with the Slack sink off, point it at the ops channel,
	// then apply the real config. Avoids a false warning from the first Apply
	// when Slack logging is enabled but the target is not set yet.
	baseLogCfg := mapLogging(cfg)
	baseLogCfg.Slack.Enabled = false
	logSvc, log := logx.New(baseLogCfg, adapter)
	logSvc.SetOpsChannel(cfg.Slack.OpsChannel)
	logSvc.Apply(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	var recorder *storage.Recorder
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		recorder = storage.NewRecorder(st, bus, log.With(logx.String("comp", "storage")))
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	dir := directory.New(log.With(logx.String("comp", "directory")))
	devices, err := mapDevices(cfg)
	if err != nil {
		return nil, err
	}
	dir.ApplyLocal(devices)
	refresh, err := mapRefreshInterval(cfg)
	if err != nil {
		return nil, err
	}
	dir.ApplyRemote(cfg.Directory.RosterURL, refresh)

	policy, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	pacing, err := mapPacing(cfg)
	if err != nil {
		return nil, err
	}

	led := ledger.New(policy.ReplyExtension)
	lim := ratelimit.New()
	ctl := kiosk.NewController(dir, led, lim, bus, log.With(logx.String("comp", "kiosk")), policy)
	ks := kiosk.NewService(ctl, led, adapter, bus, log.With(logx.String("comp", "kiosk")), pacing)

	stSvc := selftest.New(ks, bus, cfg.Kiosk.DeviceID, log.With(logx.String("comp", "selftest")))

	var api *httpapi.Service
	if cfg.HTTPAPI != nil {
		api = httpapi.New(httpapi.Config{Addr: cfg.HTTPAPI.Addr}, ks, log.With(logx.String("comp", "httpapi")))
	}

	ppSvc := pprof.New(mapPprof(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		recorder: recorder,
		adapter:  adapter,
		dir:      dir,
		kiosk:    ks,
		selftest: stSvc,
		api:      api,
		pprof:    ppSvc,
	}, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("directory.refresh", a.dir.Run)

	if a.recorder != nil {
		if err := a.recorder.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if err := a.kiosk.Start(a.sup.Context()); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if err := a.selftest.Apply(mapSelfTest(cfg)); err != nil {
		a.log.Warn("selftest not scheduled", logx.Err(err))
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		return err
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	// The watcher returns when fsnotify breaks; the restart policy recreates it.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes an already-validated config into the running components.
// Pending requests are never torn down; new policy values apply to subsequent
// registrations.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.SetOpsChannel(cfg.Slack.OpsChannel)
	a.logs.Apply(mapLogging(cfg))

	if devices, err := mapDevices(cfg); err != nil {
		a.log.Warn("invalid device roster; keeping previous", logx.Err(err))
	} else {
		a.dir.ApplyLocal(devices)
	}
	if refresh, err := mapRefreshInterval(cfg); err == nil {
		a.dir.ApplyRemote(cfg.Directory.RosterURL, refresh)
	}

	policy, perr := mapPolicy(cfg)
	pacing, qerr := mapPacing(cfg)
	if perr != nil || qerr != nil {
		a.log.Warn("invalid kiosk config; keeping previous", logx.Err(perr), logx.Err(qerr))
	} else {
		a.kiosk.Apply(policy, pacing)
	}

	if err := a.selftest.Apply(mapSelfTest(cfg)); err != nil {
		a.log.Warn("invalid selftest config; keeping previous", logx.Err(err))
	}

	a.pprof.Reconfigure(ctx, mapPprof(cfg))

	if _, enabled, err := mapStorageConfig(cfg); err == nil {
		if enabled != (a.store != nil) {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Slack.BotToken) == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapPacing(cfg); err != nil {
		return err
	}
	if _, err := mapDevices(cfg); err != nil {
		return err
	}
	if _, err := mapRefreshInterval(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if err := selftest.Validate(mapSelfTest(cfg)); err != nil {
		return err
	}

	// With no published roster, the configured device must exist locally or
	// every press would fail.
	if strings.TrimSpace(cfg.Directory.RosterURL) == "" {
		id := strings.TrimSpace(cfg.Kiosk.DeviceID)
		if id == "" {
			return fmt.Errorf("kiosk.device_id is required")
		}
		found := false
		for _, dc := range cfg.Directory.Devices {
			if dc.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("kiosk.device_id %q is not in directory.devices", id)
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("selftest", 2*time.Second, a.selftest.Stop)
	if a.api != nil {
		step("httpapi", 2*time.Second, a.api.Stop)
	}
	step("kiosk", 3*time.Second, a.kiosk.Stop)
	if a.recorder != nil {
		step("recorder", 2*time.Second, a.recorder.Stop)
	}
	step("pprof", time.Second, a.pprof.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
