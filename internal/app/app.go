package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chanfetch/internal/admin"
	"chanfetch/internal/bot"
	"chanfetch/internal/config"
	"chanfetch/internal/dispatcher"
	"chanfetch/internal/eventbus"
	"chanfetch/internal/maintenance"
	"chanfetch/internal/media"
	"chanfetch/internal/metrics"
	rtsup "chanfetch/internal/runtime/supervisor"
	"chanfetch/internal/storage"
	"chanfetch/internal/worker"
	kit "chanfetch/internal/transport"
	telegram "chanfetch/internal/transport/telegram/adapter"
	logx "chanfetch/pkg/logx"
)

type Options struct {
	ConfigPath string
	// InProcess runs workers as goroutines instead of child processes.
	InProcess bool
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp    *dispatcher.Dispatcher
	metrics *metrics.Metrics
	admin   *admin.Service
	janitor *maintenance.Janitor

	// adapter and bot are nil when no telegram token is configured.
	adapter *telegram.Adapter
	bot     *bot.Bot

	updates chan kit.Update
}

func NewApp(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		ad     *telegram.Adapter
		sender kit.Adapter
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout(cfg),
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))
	if ad == nil {
		log.Warn("telegram token not set; running without bot")
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		store, err = storage.Open(ctx, sc, log)
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var spawner dispatcher.Spawner = mapSpawner(cfg)
	if opts.InProcess {
		spawner = inProcessSpawner(cfg, log)
		log.Info("workers run in-process")
	}
	disp := dispatcher.New(mapDispatcherConfig(cfg), spawner, log, bus)

	m := metrics.New(prometheus.NewRegistry(), disp.Snapshot, bus)
	m.RegisterRuntime()

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		disp:    disp,
		metrics: m,
		admin: admin.New(mapAdminConfig(cfg), admin.Deps{
			Dispatcher: disp,
			Metrics:    m.Handler(),
			Store:      store,
		}, log),
		janitor: maintenance.New(mapMaintenanceConfig(cfg), disp, log),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if ad != nil {
		a.bot = bot.New(mapBotConfig(cfg), disp, store, ad, log)
	}
	return a, nil
}

// inProcessSpawner builds workers that share this process and its HTTP client.
func inProcessSpawner(cfg *config.Config, log logx.Logger) *dispatcher.InProcessSpawner {
	sessions := media.NewSessionStore(cfg.Download.SessionsDir)
	client := &http.Client{}
	root := cfg.Download.Dir
	heartbeat := cfg.Dispatcher.HeartbeatEvery()
	poll := cfg.Download.Poll()
	timeout := cfg.Download.Timeout()
	return &dispatcher.InProcessSpawner{
		Options: func(spec dispatcher.SpawnSpec) worker.Options {
			wlog := log.With(logx.String("comp", "worker"), logx.Int64("chat_id", spec.ChatID), logx.String("instance", spec.InstanceID))
			dir := dispatcher.WorkDir(root, spec.ChatID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				wlog.Warn("workdir create failed", logx.String("dir", dir), logx.Err(err))
			}
			return worker.Options{
				Transport:         media.NewHTTPTransport(sessions, client, wlog),
				WorkDir:           dir,
				HeartbeatInterval: heartbeat,
				PollInterval:      poll,
				RequestTimeout:    timeout,
				Log:               wlog,
			}
		},
	}
}

func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.disp }

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

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if bin := strings.TrimSpace(cfg.Dispatcher.WorkerBinary); bin != "" && !a.opts.InProcess {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("dispatcher.worker_binary: %w", err)
		}
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	sctx := a.sup.Context()
	if err := a.disp.Start(sctx); err != nil {
		return err
	}
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log)
		a.sup.Go("storage.recorder", rec.Run)
	}
	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.admin.Start(sctx)
	if err := a.janitor.Start(sctx); err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(sctx, a.updates); err != nil {
			return err
		}
		a.sup.Go("bot.run", func(c context.Context) error { return a.bot.Run(c, a.updates) })
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
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, a.log) })

	a.log.Info("app started",
		logx.Int("max_active", a.cfgm.Get().Dispatcher.MaxActive),
		logx.Bool("bot", a.bot != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "download") && !a.opts.InProcess {
		a.log.Warn("download config changed; running workers keep their settings until respawned")
	}

	a.logs.Apply(mapLogConfig(next))

	a.disp.Apply(mapDispatcherConfig(next))
	if a.bot != nil {
		a.bot.Apply(mapBotConfig(next))
	}
	a.admin.Reconfigure(ctx, mapAdminConfig(next))
	if err := a.janitor.Apply(ctx, mapMaintenanceConfig(next)); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("maintenance", time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("dispatcher", 5*time.Second, a.disp.Close)
	step("supervisor", 2*time.Second, a.sup.Wait)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
