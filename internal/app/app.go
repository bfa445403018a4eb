// Package app wires the configuration, the Napcat client, the schedule store
// and the scheduler into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duoshe/internal/config"
	"duoshe/internal/exchange"
	"duoshe/internal/napcat"
	"duoshe/internal/randx"
	"duoshe/internal/runtime/supervisor"
	"duoshe/internal/scheduler"
	"duoshe/internal/selection"
	"duoshe/internal/storage"
	logx "duoshe/pkg/logx"
)

type App struct {
	cfgm   *config.ConfigManager
	rt     *config.Runtime
	getenv func(string) string

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	store  storage.Store
	client *napcat.Client
	pipe   *Pipeline
	sched  *scheduler.Scheduler
}

// New loads cfgPath, validates it and builds every component. getenv
// supplies secrets (nil disables environment overrides).
func New(cfgPath string, getenv func(string) string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	rt, err := config.Resolve(withEnv(cfg, getenv))
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(rt.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))
	for _, w := range rt.Warnings {
		appLog.Warn(w)
	}

	store, err := storage.Open(mapStorageConfig(rt), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open schedule store: %w", err)
	}
	appLog.Info("storage enabled", logx.String("driver", rt.Storage.Driver), logx.String("path", rt.Storage.Path))

	client := napcat.New(mapNapcatConfig(rt), log.With(logx.String("comp", "napcat")))

	sel, err := selection.New(rt.Lambda, newSource(rt.Seed, 0, "selection"))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	orch := exchange.New(client, newSource(rt.Seed, 1, "exchange"), log.With(logx.String("comp", "exchange")))
	pipe := NewPipeline(client, sel, orch,
		resolveIdentity(client, rt.Bot.Nickname, rt.Bot.Aliases),
		log.With(logx.String("comp", "pipeline")))

	sched, err := scheduler.New(mapSchedulerConfig(rt), store, client, pipe,
		newSource(rt.Seed, 2, "scheduler"),
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	return &App{
		cfgm:   cfgm,
		rt:     rt,
		getenv: getenv,
		log:    appLog,
		logs:   logs,
		store:  store,
		client: client,
		pipe:   pipe,
		sched:  sched,
	}, nil
}

// withEnv returns a copy of cfg with environment overrides applied. The
// committed config stays as written so reload hashing is unaffected.
func withEnv(cfg *config.Config, getenv func(string) string) *config.Config {
	if cfg == nil {
		return nil
	}
	c := *cfg
	c.ApplyEnv(getenv)
	return &c
}

// newSource returns a seeded source, or a clock-seeded one for seed 0.
// Components get distinct streams from one seed.
func newSource(seed, offset uint64, tag string) randx.Source {
	if seed == 0 {
		return randx.NewTimeSeeded(tag)
	}
	return randx.New(seed + offset)
}

// Scheduler exposes the scheduler for status reporting.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Start resolves the bot identity, restores the schedule and launches the
// scheduler loop and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(withEnv(cfg, a.getenv))
	})

	idCtx, cancel := context.WithTimeout(ctx, 2*a.rt.Napcat.Timeout)
	id, err := a.pipe.Identity(idCtx)
	cancel()
	if err != nil {
		a.log.Warn("bot identity unknown; retried at the first run", logx.Err(err))
	} else {
		a.log.Info("bot identity",
			logx.String("self_id", id.SelfID),
			logx.String("nickname", id.Nickname),
			logx.Strings("aliases", id.Aliases))
	}

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	a.sup.GoRestart("scheduler.run", a.sched.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	snap := a.sched.Snapshot()
	var next time.Time
	for _, g := range snap {
		if next.IsZero() || g.NextDue.Before(next) {
			next = g.NextDue
		}
	}
	fields := []logx.Field{logx.Int("groups", len(snap))}
	if !next.IsZero() {
		fields = append(fields, logx.Time("next_due", next))
	}
	a.log.Info("app started", fields...)
	return nil
}

// Done is closed when the app's run context ends, either from the parent or
// from a fatal supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error of a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := withEnv(a.cfgm.Get(), a.getenv)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			newCfg = withEnv(newCfg, a.getenv)

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(newCfg.Logging.LogxConfig())

			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(pending, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// minStopTimeout is the shutdown budget when runs are short.
const minStopTimeout = 30 * time.Second

// StopTimeout is the budget Stop needs so a run still in flight can finish
// and persist its next due time before the store closes.
func (a *App) StopTimeout() time.Duration {
	return max(minStopTimeout, a.rt.Schedule.RunTimeout+10*time.Second)
}

// Stop cancels every loop, waits for in-flight runs and closes the store.
// Each step is bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("supervisor", 3*time.Second, a.sup.Wait)
	// In-flight runs are bounded by the run timeout and must persist their
	// next due time before the store closes.
	step("scheduler", a.rt.Schedule.RunTimeout+5*time.Second, a.sched.Wait)
	step("scheduler.persist", time.Second, func(c context.Context) error {
		if n := a.sched.PersistInFlight(c); n > 0 {
			a.log.Warn("runs abandoned at shutdown", logx.Int("runs", n))
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
