// Package app wires configuration, storage, transport and the bot into one
// running process.
package app

import (
	"context"
	"fmt"
	"time"

	"guestcast/internal/bot"
	"guestcast/internal/config"
	"guestcast/internal/distribution"
	"guestcast/internal/observability/ops"
	"guestcast/internal/report"
	"guestcast/internal/runtime/supervisor"
	"guestcast/internal/stats"
	"guestcast/internal/storage"
	kit "guestcast/internal/transport"
	telegram "guestcast/internal/transport/telegram/adapter"
	logx "guestcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter kit.Adapter
	engine  *distribution.Engine
	stats   *stats.Aggregator
	bot     *bot.Bot
	report  *report.Service
	ops     *ops.Server

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	adapter kit.Adapter
}

// WithAdapter replaces the Telegram adapter, mainly for tests.
func WithAdapter(ad kit.Adapter) Option {
	return func(o *options) { o.adapter = ad }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		ad = tg
	}
	send := chatSender(ad)

	logSvc, root := logx.New(mapLogConfig(cfg), logx.ChatSender(send))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	dc, err := mapDistributionConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	eng := distribution.New(dc, store.Registry(), store.Audit(),
		bot.PhotoDispatcher{Adapter: ad}, root.With(logx.String("comp", "distribution")))
	agg := stats.New(store.Registry(), store.Audit())

	b := bot.New(mapBotConfig(cfg), ad, store.Registry(), eng, agg, root.With(logx.String("comp", "bot")))
	rep := report.New(mapReportConfig(cfg), agg, report.Sender(send), root.With(logx.String("comp", "report")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		engine:  eng,
		stats:   agg,
		bot:     b,
		report:  rep,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), ops.Deps{
		Stats:    agg,
		Registry: store.Registry(),
		Runtime:  a,
	}, root.With(logx.String("comp", "ops")))
	return a, nil
}

func chatSender(ad kit.Adapter) func(ctx context.Context, chatID int64, text string) error {
	return func(ctx context.Context, chatID int64, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	}
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Counters reports the app supervisor's goroutines; zero before Start.
func (a *App) Counters() supervisor.Counters {
	return a.sup.Counters()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go0("bot.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.bot.PublishMenu(mctx); err != nil {
			a.log.Warn("publishing command menu failed", logx.Err(err))
		}
	})

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})

	if err := a.report.Start(a.sup.Context()); err != nil {
		a.log.Warn("report not scheduled", logx.Err(err))
	}

	a.ops.Start(a.sup.Context())

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
				a.applyConfig(newCfg)
				a.ops.Reconfigure(c, mapOpsConfig(newCfg))
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a validated config into the live components. Storage
// and the bot token are read only at startup.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogConfig(cfg))
	a.bot.SetPhotographer(cfg.Event.PhotographerUsername)

	if dc, err := mapDistributionConfig(cfg); err != nil {
		a.log.Warn("invalid distribution config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}
	if err := a.report.Apply(mapReportConfig(cfg)); err != nil {
		a.log.Warn("report schedule not applied", logx.Err(err))
	}

	a.log.Info("config reloaded",
		logx.String("photographer", cfg.Event.PhotographerUsername),
		logx.String("log_level", cfg.Logging.Level),
		logx.String("report", cfg.Report.Schedule))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so it cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// The dispatcher drains for at most bot.Config.DrainTimeout, under this
	// step's bound, so accepted fan-outs usually finish before storage closes.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
