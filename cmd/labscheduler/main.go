// Command labscheduler runs the experiment scheduling daemon: process
// monitor, scheduler engine, notification dispatcher, and the typed
// service facade, assembled from one configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evolab/labscheduler/api"
	"github.com/evolab/labscheduler/core"
	"github.com/evolab/labscheduler/executor"
	"github.com/evolab/labscheduler/hamilton"
	"github.com/evolab/labscheduler/notify"
	"github.com/evolab/labscheduler/pipeline"
	"github.com/evolab/labscheduler/procmon"
	"github.com/evolab/labscheduler/queue"
	"github.com/evolab/labscheduler/scheduler"
	"github.com/evolab/labscheduler/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "labscheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	var opts []core.Option
	if *configPath != "" {
		opts = append(opts, core.WithConfigFile(*configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}

	logger, err := core.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Store.Path, core.SystemClock{}, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := notify.SeedSettings(st, cfg.SMTP); err != nil {
		return err
	}

	monitor := procmon.New(
		cfg.ProcessMonitor.ProcessName,
		time.Duration(cfg.ProcessMonitor.CheckIntervalSeconds)*time.Second,
		procmon.WithLogger(logger.Named("procmon")),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	monitor.Start(ctx)
	defer monitor.Stop()

	instrument := hamilton.New(
		cfg.VendorDB.DSN,
		time.Duration(cfg.VendorDB.ConnectTimeoutSeconds)*time.Second,
		hamilton.WithLogger(logger.Named("hamilton")),
	)

	steps := pipeline.NewRegistry(logger.Named("pipeline"))
	pipeline.RegisterBuiltins(steps, instrument)

	exec := executor.New(cfg.Executor, monitor,
		executor.WithRunStateReader(instrument),
		executor.WithLogger(logger.Named("executor")),
	)

	dispatcher := notify.NewDispatcher(st,
		notify.WithLogger(logger.Named("notify")),
	)

	admission := queue.New(cfg.Scheduler.MaxConcurrentJobs, monitor,
		queue.WithLogger(logger.Named("queue")),
	)

	engine := scheduler.New(cfg.Scheduler, st, exec, monitor,
		scheduler.WithPipeline(steps),
		scheduler.WithNotifier(dispatcher),
		scheduler.WithAdmission(admission),
		scheduler.WithLogger(logger.Named("scheduler")),
	)

	service := api.New(st, engine, dispatcher,
		api.WithConflictChecker(admission),
		api.WithLogger(logger.Named("api")),
	)
	_ = service // handed to the transport layer of the deployment

	logger.Info("labscheduler ready", map[string]interface{}{
		"version":         core.Version,
		"store":           cfg.Store.Path,
		"vendor_bin":      cfg.Executor.VendorBinPath,
		"check_interval":  cfg.Scheduler.CheckIntervalSeconds,
		"autostart_delay": cfg.Scheduler.AutostartDelaySeconds,
	})

	if cfg.Scheduler.AutostartDelaySeconds >= 0 {
		delay := time.Duration(cfg.Scheduler.AutostartDelaySeconds) * time.Second
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err := engine.Start(); err != nil {
			return err
		}
	} else {
		logger.Info("autostart disabled, waiting for start via API", nil)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received", nil)

	if engine.IsRunning() {
		if err := engine.Stop(); err != nil {
			logger.Warn("engine stop", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}
