package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/foreman/internal/api"
	"grimm.is/foreman/internal/brand"
	"grimm.is/foreman/internal/broker"
	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/dispatch"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/queue"
	"grimm.is/foreman/internal/ratelimit"
	"grimm.is/foreman/internal/registry"
	"grimm.is/foreman/internal/scheduler"
	"grimm.is/foreman/internal/state"
	"grimm.is/foreman/internal/trace"
)

// ServeOptions are the command line overrides for `foreman serve`.
type ServeOptions struct {
	ConfigFile string
	Listen     string
	Database   string
	Ephemeral  bool
}

// RunServe starts the orchestration server and blocks until SIGINT or SIGTERM.
func RunServe(opts ServeOptions) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	logger, err := setupLogging(cfg, brand.LowerName+"-serve")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *state.SQLiteStore
	if opts.Ephemeral {
		store, err = state.OpenMemory()
	} else {
		path := cfg.Store.Path
		if path == "" {
			path = brand.DefaultDatabasePath()
		}
		store, err = state.NewSQLiteStore(state.DefaultOptions(path))
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	clk := clock.OrReal(nil)
	reg := metrics.Get()
	hub := events.NewHub()

	q := queue.New(queue.Options{
		Config:  queue.ConfigFrom(cfg),
		Store:   store,
		Clock:   clk,
		Logger:  logger,
		Metrics: reg,
	})
	defer q.Close()

	ropts := registry.OptionsFrom(cfg)
	ropts.Store = store
	ropts.Clock = clk
	ropts.Logger = logger
	ropts.Metrics = reg
	ropts.Events = hub
	agents := registry.New(ropts)

	svc := lifecycle.New(lifecycle.Options{
		Config:  lifecycle.ConfigFrom(cfg),
		Store:   store,
		Queue:   q,
		Agents:  agents,
		Events:  hub,
		Clock:   clk,
		Logger:  logger,
		Metrics: reg,
	})

	conns := broker.NewFromConfig(cfg, logger, reg)
	d := dispatch.New(dispatch.Options{
		Workers:  cfg.Queue.Workers,
		Queue:    q,
		Match:    agents.Claim,
		Sender:   conns,
		Reporter: svc,
		Clock:    clk,
		Logger:   logger,
	})
	q.SetSignaler(d.Signaler())
	agents.OnAgentLost(svc.HandleAgentLost)
	agents.OnAvailable(q.Notify)

	traces := trace.New(trace.ConfigFrom(cfg), clk, logger, reg)

	if err := agents.Load(ctx); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	d.Start(ctx)
	defer d.Stop()

	retention := config.Duration(cfg.Queue.Retention, 7*24*time.Hour)
	limiter := ratelimit.New(cfg.Server.SubmitRate, time.Minute, clk)
	sched := scheduler.New(clk, logger)
	err = scheduler.Register(sched, scheduler.Housekeeping{
		SweepAgents: agents.Task,
		SweepTraces: traces.Task,
		PruneJobs: func(ctx context.Context) error {
			n, err := store.PruneJobs(ctx, clk.Now().Add(-retention))
			if n > 0 {
				logger.Info("pruned finished jobs", "count", n)
			}
			return err
		},
		CollectMetrics:  metrics.NewCollector(reg, logger, q, agents, hub).Collect,
		CleanupLimits:   limiter.Cleanup,
		AgentSweepEvery: config.Duration(cfg.Registry.SweepInterval, 5*time.Second),
		TraceSweepEvery: config.Duration(cfg.Trace.SweepInterval, 2*time.Second),
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	heartbeatTimeout := config.Duration(cfg.Registry.HeartbeatTimeout, 30*time.Second)
	srv := api.NewServer(api.Options{
		Config:            cfg.Server,
		Lifecycle:         svc,
		Registry:          agents,
		Broker:            conns,
		Traces:            traces,
		Events:            hub,
		Limiter:           limiter,
		HeartbeatInterval: heartbeatTimeout / 3,
		Ready:             store.Ping,
		Gatherer:          prometheus.DefaultGatherer,
		Clock:             clk,
		Logger:            logger,
		Metrics:           reg,
	})

	logger.Info("foreman server starting", "listen", cfg.Server.Listen, "version", brand.Version)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("foreman server stopped")
	return nil
}
