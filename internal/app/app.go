// Package app wires the subsystem together: config, logging, queue,
// fallback store, dispatcher, reporter and the redeliver sweeper, with
// hot reload fan-out from the config watcher.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sendgate/internal/config"
	"sendgate/internal/dispatch"
	"sendgate/internal/eventbus"
	"sendgate/internal/fallback"
	"sendgate/internal/platform"
	"sendgate/internal/queue"
	"sendgate/internal/redeliver"
	"sendgate/internal/report"
	sup "sendgate/internal/runtime/supervisor"
	"sendgate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	supv *sup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	q      queue.Queue
	store  fallback.Store
	sender platform.Sender

	disp  *dispatch.Service
	col   *report.Collector
	rep   *report.Server
	sweep *redeliver.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := fallback.Open(mapFallbackConfig(cfg), log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if store == nil {
		log.Warn("fallback store disabled; degraded-mode enqueues will be rejected")
	}

	// A broker that is down at boot does not abort startup. The
	// dispatcher runs degraded and writes everything to the store.
	q, err := openQueue(cfg, log)
	if err != nil {
		log.Warn("queue unavailable at startup; running degraded", logx.Err(err))
		q = nil
	}

	sender, err := platform.NewHTTPSender(mapPlatformConfig(cfg))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, q, sender, store, bus, log.With(logx.String("comp", "dispatch")))

	col := report.NewCollector(bus)
	rep := report.NewServer(mapReportConfig(cfg), col, disp, logSvc, log.With(logx.String("comp", "report")))
	sweep := redeliver.New(mapRedeliverConfig(cfg), q, store, disp.Breaker(), log.With(logx.String("comp", "redeliver")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		q:       q,
		store:   store,
		sender:  sender,
		disp:    disp,
		col:     col,
		rep:     rep,
		sweep:   sweep,
	}, nil
}

// Dispatcher exposes the dispatch service for embedding callers.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Start(ctx context.Context) error {
	a.supv = sup.New(ctx, sup.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.disp.Start(a.supv.Context())

	a.supv.GoRestart("report.collect", a.col.Run)
	if a.rep.Enabled() {
		a.rep.Start(a.supv.Context())
	}
	if err := a.sweep.Start(); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.supv.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.supv.Go("config.watch", a.cfgm.Watch)

	a.log.Info("started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts; only the latest config matters.
		for {
			select {
			case c := <-sub:
				if c != nil {
					newCfg = c
				}
				continue
			default:
			}
			break
		}
		if newCfg == nil {
			continue
		}

		sections, attrs := config.SummarizeChange(lastApplied, newCfg)
		lastApplied = newCfg

		a.logs.Apply(mapLoggingConfig(newCfg))

		for _, s := range sections {
			switch s {
			case "queue", "fallback", "platform":
				a.log.Warn("section changed; restart required to take effect", logx.String("section", s))
			}
		}

		prevEnabled := a.disp.Enabled()
		if dcfg, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dcfg)
			switch {
			case prevEnabled && !dcfg.Enabled:
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			case !prevEnabled && dcfg.Enabled:
				a.log.Info("dispatch enabled via config")
				a.disp.Start(a.supv.Context())
			}
		}

		a.rep.Reconfigure(a.supv.Context(), mapReportConfig(newCfg))

		if err := a.sweep.Apply(mapRedeliverConfig(newCfg)); err != nil {
			a.log.Warn("invalid redeliver config; keeping previous", logx.Err(err))
		}

		if len(sections) > 0 {
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.supv == nil {
		return nil
	}
	a.log.Info("stopping")

	a.supv.Cancel()

	// Bound each shutdown step so one stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
				a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing", logx.String("step", name))
		}
	}

	step("redeliver", 2*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("report", 2*time.Second, func(c context.Context) error { a.rep.Stop(c); return nil })
	step("queue", 2*time.Second, func(context.Context) error {
		if a.q != nil {
			return a.q.Close()
		}
		return nil
	})
	step("fallback", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.supv.Wait)

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func openQueue(cfg *config.Config, log logx.Logger) (queue.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	switch driver {
	case "", "memory":
		log.Info("using in-process queue")
		return queue.NewMemory(), nil
	case "nats", "jetstream":
		q, err := queue.OpenNATS(queue.NATSConfig{
			URL:     cfg.Queue.NATS.URL,
			Stream:  cfg.Queue.NATS.Stream,
			Subject: cfg.Queue.NATS.Subject,
			Durable: cfg.Queue.NATS.Durable,
		})
		if err != nil {
			return nil, err
		}
		log.Info("connected to queue", logx.String("driver", "nats"))
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", driver)
	}
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Platform.BaseURL) == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if _, err := config.ParseDurationField("platform.timeout", cfg.Platform.Timeout); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if cfg.Fallback != nil {
		if _, err := config.ParseDurationField("fallback.busy_timeout", cfg.Fallback.BusyTimeout); err != nil {
			return err
		}
	}
	if r := cfg.Report; r != nil {
		for _, f := range []struct{ path, raw string }{
			{"report.read_timeout", r.ReadTimeout},
			{"report.write_timeout", r.WriteTimeout},
			{"report.idle_timeout", r.IdleTimeout},
		} {
			if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	if cfg.Redeliver != nil && cfg.Redeliver.BatchSize < 0 {
		return fmt.Errorf("redeliver.batch_size must be >= 0")
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
	}
}

func mapFallbackConfig(cfg *config.Config) fallback.Config {
	if cfg.Fallback == nil {
		return fallback.Config{}
	}
	busy, _ := config.ParseDurationField("fallback.busy_timeout", cfg.Fallback.BusyTimeout)
	return fallback.Config{
		Driver:      cfg.Fallback.Driver,
		Path:        cfg.Fallback.Path,
		DSN:         cfg.Fallback.DSN,
		BusyTimeout: busy,
	}
}

func mapPlatformConfig(cfg *config.Config) platform.HTTPConfig {
	timeout, _ := config.ParseDurationField("platform.timeout", cfg.Platform.Timeout)
	return platform.HTTPConfig{
		BaseURL:   cfg.Platform.BaseURL,
		AuthToken: cfg.Platform.AuthToken,
		Timeout:   timeout,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch

	rateWindow, err := config.ParseDurationField("dispatch.rate_window", d.RateWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	dispatchTimeout, err := config.ParseDurationField("dispatch.dispatch_timeout", d.DispatchTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("dispatch.dedup_window", d.DedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	cooldown, err := config.ParseDurationField("dispatch.breaker.cooldown", d.Breaker.Cooldown)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxCooldown, err := config.ParseDurationField("dispatch.breaker.max_cooldown", d.Breaker.MaxCooldown)
	if err != nil {
		return dispatch.Config{}, err
	}
	resetAfter, err := config.ParseDurationField("dispatch.breaker.reset_after", d.Breaker.ResetAfter)
	if err != nil {
		return dispatch.Config{}, err
	}
	pollTimeout, err := config.ParseDurationField("queue.poll_timeout", cfg.Queue.PollTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if d.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if d.RateLimit < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_limit must be >= 0")
	}

	out := dispatch.Config{
		Enabled:          d.Enabled,
		Workers:          d.Workers,
		RateLimit:        d.RateLimit,
		RateWindow:       rateWindow,
		MaxAttempts:      d.MaxAttempts,
		DispatchTimeout:  dispatchTimeout,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		MaxContentLength: d.MaxContentLength,
		CountFailedSends: d.CountFailedSends,
		GlobalRatePerSec: d.GlobalRatePerSec,
		BatchSize:        cfg.Queue.BatchSize,
		PollTimeout:      pollTimeout,
		DedupWindow:      dedupWindow,
	}
	out.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	out.Breaker.Cooldown = cooldown
	out.Breaker.MaxCooldown = maxCooldown
	out.Breaker.ResetAfter = resetAfter
	return out, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	if cfg.Report == nil {
		return report.Config{}
	}
	r := cfg.Report
	read, _ := config.ParseDurationField("report.read_timeout", r.ReadTimeout)
	write, _ := config.ParseDurationField("report.write_timeout", r.WriteTimeout)
	idle, _ := config.ParseDurationField("report.idle_timeout", r.IdleTimeout)
	return report.Config{
		Enabled:       r.Enabled,
		Addr:          r.Addr,
		Token:         r.Token,
		AllowInsecure: r.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}

func mapRedeliverConfig(cfg *config.Config) redeliver.Config {
	if cfg.Redeliver == nil {
		return redeliver.Config{}
	}
	return redeliver.Config{
		Enabled:   cfg.Redeliver.Enabled,
		Schedule:  cfg.Redeliver.Schedule,
		BatchSize: cfg.Redeliver.BatchSize,
	}
}
