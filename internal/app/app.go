// Package app wires the bot together from its config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tzbot/internal/audit"
	"tzbot/internal/config"
	"tzbot/internal/dst"
	"tzbot/internal/eventbus"
	"tzbot/internal/fanout"
	"tzbot/internal/fleet"
	"tzbot/internal/metrics"
	"tzbot/internal/nickname"
	"tzbot/internal/runtime/supervisor"
	"tzbot/internal/shard"
	"tzbot/internal/storage"
	"tzbot/internal/task/scheduler"
	"tzbot/internal/transport/discord"
	logx "tzbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type hostedShard struct {
	id      int
	adapter *discord.Adapter
	worker  *shard.Worker
	events  chan shard.MemberEvent
}

type App struct {
	cfgm *config.Manager
	role string

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	metrics metrics.Recorder
	gather  prometheus.Gatherer

	shards  []*hostedShard
	drift   *shard.DriftHandler
	updater *fanout.Updater
	sched   *scheduler.Service
	server  *fleet.Server

	startedAt time.Time
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// The mirror sender is installed once the first gateway adapter exists.
	logs, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, role: cfg.Fleet.Role, log: log, logs: logs, bus: eventbus.New(), metrics: metrics.Nop{}}
	if err := a.build(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewCollector(reg)
		a.gather = reg
		metricsHandler = metrics.Handler(reg)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, comp("storage"))
	if err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	names := nickname.New(cfg.Nickname.PinnedUserID)
	names.MaxLength = cfg.Nickname.MaxLength
	sink := audit.Sink{Bus: a.bus}

	for _, id := range cfg.Fleet.ShardIDs {
		ad, err := discord.New(discord.Config{
			Token:      cfg.Discord.Token,
			ShardID:    id,
			ShardCount: cfg.Fleet.ShardCount,
		}, comp("discord").With(logx.Int("shard", id)))
		if err != nil {
			return err
		}
		w := shard.NewWorker(shardName(id), ad, names, cfg.Shard.EditRatePerSec, cfg.Shard.EditBurst, comp("shard").With(logx.Int("shard", id)))
		w.Metrics = a.metrics
		a.shards = append(a.shards, &hostedShard{id: id, adapter: ad, worker: w, events: make(chan shard.MemberEvent, cfg.Shard.EventBuffer)})
	}
	if len(a.shards) > 0 {
		a.logs.SetSender(a.shards[0].adapter)
	}

	var clients []fleet.Client
	var local localShards
	for _, hs := range a.shards {
		local = append(local, hs.worker)
		clients = append(clients, fleet.Local{ID: hs.worker.ID, Applier: hs.worker})
	}
	a.drift = &shard.DriftHandler{Assignments: a.store, Audit: sink, Log: comp("drift"), Metrics: a.metrics}

	timeouts, err := mapFleetTimeouts(cfg)
	if err != nil {
		return err
	}

	if a.role == config.RoleCoordinator {
		for _, peer := range cfg.Fleet.Peers {
			clients = append(clients, fleet.NewHTTPClient(peer, cfg.Fleet.Token, timeouts.request))
		}
		a.updater = &fanout.Updater{
			Directory: a.store,
			Shards:    clients,
			Audit:     sink,
			Timeout:   timeouts.fanout,
			Log:       comp("fanout"),
			Metrics:   a.metrics,
			Bus:       a.bus,
			Source:    "sweep",
		}
		schedCfg, err := mapSchedulerConfig(cfg)
		if err != nil {
			return err
		}
		a.sched = scheduler.New(schedCfg, scheduler.Deps{
			Directory: a.store,
			Detector:  dst.New(comp("dst")),
			Updater:   a.updater,
			Bus:       a.bus,
			Metrics:   a.metrics,
		}, comp("scheduler"))
	}

	if strings.TrimSpace(cfg.Fleet.Listen) != "" {
		deps := fleet.RouterDeps{
			Token:       cfg.Fleet.Token,
			Status:      func() any { return a.Status() },
			Metrics:     metricsHandler,
			MetricsPath: cfg.Metrics.Path,
			Pprof:       cfg.Pprof.Enabled,
			Log:         comp("fleet"),
		}
		if len(local) > 0 {
			deps.Applier = local
		}
		a.server = &fleet.Server{Addr: cfg.Fleet.Listen, Handler: fleet.NewRouter(deps), Log: comp("fleet")}
	}
	return nil
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

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	recorder := &audit.Recorder{Bus: a.bus, Store: a.store, Log: a.log.With(logx.String("comp", "audit"))}
	a.sup.GoRestart("audit.recorder", recorder.Run)

	for _, hs := range a.shards {
		if err := hs.adapter.Start(runCtx, hs.events); err != nil {
			return fmt.Errorf("%s: %w", shardName(hs.id), err)
		}
		h := *a.drift
		h.Worker = hs.worker
		events := hs.events
		a.sup.GoRestart(shardName(hs.id)+".drift", func(c context.Context) error {
			return consumeMemberEvents(c, events, a.store, &h, h.Log)
		})
	}

	if a.server != nil {
		a.sup.Go("fleet.server", a.server.Run)
	}

	if a.sched != nil && a.sched.Enabled() {
		if _, err := a.sched.Start(runCtx); err != nil {
			return err
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("role", a.role),
		logx.Int("shards", len(a.shards)),
		logx.Bool("fleet_server", a.server != nil),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
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
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", ch.Restart))
	}

	a.logs.Apply(mapLogConfig(next))

	for _, hs := range a.shards {
		hs.worker.SetRate(next.Shard.EditRatePerSec, next.Shard.EditBurst)
	}

	if a.sched != nil {
		wasEnabled := a.sched.Enabled()
		sc, err := mapSchedulerConfig(next)
		if err == nil {
			err = a.sched.Apply(sc)
		}
		switch {
		case err != nil:
			a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			a.sched.Stop()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			if _, err := a.sched.Start(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: ch.Sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Sweep runs one reconciliation pass now. Only a coordinator can sweep.
func (a *App) Sweep(ctx context.Context) (scheduler.Report, error) {
	if a.sched == nil {
		return scheduler.Report{}, errors.New("sweep requires fleet.role " + config.RoleCoordinator)
	}
	return a.sched.Sweep(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	if a.sched != nil {
		stopStep(ctx, a.log, "scheduler", 10*time.Second, a.sched.Close)
	}
	for _, hs := range a.shards {
		stopStep(ctx, a.log, shardName(hs.id), 3*time.Second, hs.adapter.Stop)
	}
	stopStep(ctx, a.log, "supervisor", 5*time.Second, a.sup.Stop)
	stopStep(ctx, a.log, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
