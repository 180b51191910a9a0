// Package app wires configuration, storage, the Miyoushe client, the relay,
// the scheduler and the Telegram transport into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"hoyorelay/internal/commands"
	"hoyorelay/internal/config"
	"hoyorelay/internal/ledger"
	"hoyorelay/internal/miyoushe"
	"hoyorelay/internal/relay"
	rtsup "hoyorelay/internal/runtime/supervisor"
	"hoyorelay/internal/storage"
	"hoyorelay/internal/task/scheduler"
	kit "hoyorelay/internal/transport"
	telegram "hoyorelay/internal/transport/telegram/adapter"
	"hoyorelay/internal/transport/telegram/router"
	logx "hoyorelay/pkg/logx"
)

const (
	pollJob  = "relay.poll"
	sweepJob = "relay.sweep"

	pollTimeout  = 10 * time.Minute
	sweepTimeout = 5 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *telegram.Adapter
	source  *miyoushe.Client

	poller  *relay.Poller
	sweeper *relay.Sweeper
	keep    atomic.Int64

	sched *scheduler.Service
	cmdm  *router.CommandManager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	tgPoll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    tgPoll,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off, set its target, then apply the real
	// config so the first lines never go to a zero target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	source := miyoushe.New(srcCfg, &http.Client{}, log)

	led := ledger.New(store, log)
	poller := relay.NewPoller(
		relay.NewBroadcaster(source, ad, led, log),
		relay.NewSubscriptionDispatcher(source, ad, led, store, log),
		mapRelaySettings(cfg),
		log,
	)
	sweeper := relay.NewSweeper(led, log)

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Relay.Timezone},
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithStartupSpread(true),
	)

	cmdm := router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		source:  source,
		poller:  poller,
		sweeper: sweeper,
		sched:   sched,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}
	a.keep.Store(int64(retention(cfg)))
	if err := a.registerSchedules(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	cmdm.SetRegistry(commands.Build(commands.Deps{
		Store:    store,
		Names:    source,
		Jobs:     sched,
		Routes:   func() []relay.Route { return poller.Settings().Routes },
		PollJob:  pollJob,
		SweepJob: sweepJob,
		Log:      log.With(logx.String("comp", "commands")),
	}))
	return a, nil
}

// registerSchedules (re)adds the poll and sweep triggers. Re-adding keeps the
// overlap guard of a run already in flight.
func (a *App) registerSchedules(cfg *config.Config) error {
	poll, sweep := relaySchedules(cfg)
	if err := a.sched.AddSchedule(pollJob, poll, pollTimeout, a.poller.Cycle); err != nil {
		return fmt.Errorf("relay.poll: %w", err)
	}
	if err := a.sched.AddSchedule(sweepJob, sweep, sweepTimeout, a.sweep); err != nil {
		return fmt.Errorf("relay.sweep: %w", err)
	}
	return nil
}

func (a *App) sweep(ctx context.Context) error {
	_, err := a.sweeper.Sweep(ctx, int(a.keep.Load()))
	return err
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.cmdm.Menu()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	if a.cfgm.Get().Relay.RunOnStartEnabled() {
		a.sup.Go0("relay.first_poll", a.firstPoll)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("app started",
		logx.Int("watched", len(a.poller.Settings().Routes)),
		logx.Int("retention", int(a.keep.Load())),
	)
	return nil
}

func (a *App) firstPoll(c context.Context) {
	done, err := a.sched.RunNow(pollJob)
	if err != nil {
		if !errors.Is(err, scheduler.ErrOverlapSkip) && !errors.Is(err, scheduler.ErrStopped) {
			a.log.Warn("first poll not started", logx.Err(err))
		}
		return
	}
	select {
	case <-c.Done():
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("first poll failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	// Storage goes last: scheduled jobs and command handlers write to it.
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int64("poll_cycles", a.poller.Cycles()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// never extend the caller's deadline
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			a.log.Warn("stop step finished after deadline", fields...)
		}()
	}
}
