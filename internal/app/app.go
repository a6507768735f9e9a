// Package app wires the bot together: config, logging, storage, timer
// engine, scheduler, notifier, telegram adapter, and the retired-row janitor.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/timer"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

const inboundBuffer = 64

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	engine  *timer.Engine
	notif   *notifier.Service
	sched   *scheduler.Service
	adapter *telegram.Adapter
	janitor *cron.Cron

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	notifCfg, err := notifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(notifCfg, adapter, log.With(logx.String("comp", "notifier")))

	engine := timer.New(log.With(logx.String("comp", "timer")))
	bus := eventbus.New()

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, engine, notif, bus, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgMgr:  cfgMgr,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		engine:  engine,
		notif:   notif,
		sched:   sched,
		adapter: adapter,
	}

	if cfg.Janitor.Enabled {
		if err := a.setupJanitor(cfg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	inbound := make(chan kit.Message, inboundBuffer)
	if err := a.adapter.Start(runCtx, inbound); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pumpInbound(runCtx, inbound)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.applyConfigUpdates(runCtx)
	}()

	if a.janitor != nil {
		a.janitor.Start()
	}

	a.running = true
	a.log.Info("remindbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	if a.janitor != nil {
		<-a.janitor.Stop().Done()
	}
	_ = a.adapter.Stop(ctx)
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("remindbot stopped")
	_ = a.logSvc.Close()
	return nil
}

// pumpInbound routes inbound messages to the scheduler and echoes the reply
// over the same channel. One slow reply must not wedge the pump, so replies
// are sent with a short timeout.
func (a *App) pumpInbound(ctx context.Context, inbound <-chan kit.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			reply := a.sched.HandleMessage(ctx, msg)
			if reply == "" {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := a.adapter.SendText(sctx, kit.ChatTarget{ChatID: msg.ChatID}, reply, nil)
			cancel()
			if err != nil {
				a.log.Warn("reply send failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
			}
		}
	}
}

// applyConfigUpdates hot-applies the safe subset of a reloaded config:
// log level/sinks and notifier pacing. Everything else needs a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if ncfg, err := notifierConfig(cfg); err == nil {
				a.notif.Apply(ncfg)
			}
			a.log.Info("config applied")
		}
	}
}

func (a *App) setupJanitor(cfg *config.Config) error {
	keep, err := config.ParseDurationOrDefault("janitor.keep_retired", cfg.Janitor.KeepRetired, 30*24*time.Hour)
	if err != nil {
		return err
	}
	spec := cfg.Janitor.Spec
	if spec == "" {
		spec = "@daily"
	}

	c := cron.New()
	jlog := a.log.With(logx.String("comp", "janitor"))
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PurgeRetired(ctx, time.Now().Add(-keep))
		if err != nil {
			jlog.Warn("purge retired reminders", logx.Err(err))
			return
		}
		if n > 0 {
			jlog.Info("purged retired reminders", logx.Int64("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("janitor spec %q: %w", spec, err)
	}
	a.janitor = c
	return nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./remindbot.db"
	}
	return storage.Config{Driver: cfg.Storage.Driver, Path: path, BusyTimeout: busy}, nil
}

func notifierConfig(cfg *config.Config) (notifier.Config, error) {
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	dispatchTimeout, err := config.ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.retry_base", cfg.Scheduler.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		DispatchTimeout: dispatchTimeout,
		RetryMax:        cfg.Scheduler.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		Timezone:        cfg.Scheduler.Timezone,
	}, nil
}
