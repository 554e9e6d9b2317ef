package main

import (
	"context"
	"errors"

	"github.com/kimhsiao/actisync/internal/config"
	"github.com/kimhsiao/actisync/internal/connectivity"
	"github.com/kimhsiao/actisync/internal/db"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/remote"
	"github.com/kimhsiao/actisync/internal/services"
	"github.com/kimhsiao/actisync/internal/sync/queue"
	"github.com/kimhsiao/actisync/internal/sync/scheduler"
	"github.com/kimhsiao/actisync/internal/telemetry"
)

// App holds one fully wired instance of the sync core.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	DB        *db.DB
	Records   *db.RecordStore
	Monitor   *connectivity.Monitor
	Remote    *remote.Adapter
	Queue     *queue.Manager
	Scheduler *scheduler.Scheduler
	Service   *services.RecordService
	Metrics   *telemetry.Metrics

	closeRemote func() error
	unobserve   []func()
}

// appOptions tune wiring that differs between the server and one-shot
// commands.
type appOptions struct {
	// autoDrain starts a background pass after every enqueue. One-shot
	// commands leave queued work for an explicit sync.
	autoDrain bool

	// backend replaces the configured remote, for tests.
	backend remote.Backend
}

// newApp opens the local store and remote, restores the queue and builds the
// services on top.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*App, error) {
	logger := cfg.NewLogger()
	a := &App{Config: cfg, Logger: logger, closeRemote: func() error { return nil }}

	database, err := db.OpenOrReset(ctx, cfg.DataDir, db.WithLogger(logger))
	if err != nil {
		logger.Close()
		return nil, err
	}
	a.DB = database
	a.Records = db.NewRecordStore(database)

	backend := opts.backend
	if backend == nil {
		b, closeFn, err := remote.Open(ctx, cfg.RemoteOpenConfig())
		if err != nil {
			a.Close()
			return nil, err
		}
		backend, a.closeRemote = b, closeFn
	}

	a.Metrics = telemetry.New(nil, cfg.Metrics.Enabled)
	a.Monitor = connectivity.NewMonitor(cfg.Connectivity.InitialOnline)
	a.Metrics.SetOnline(a.Monitor.Online(), false)

	a.Remote = remote.NewAdapter(backend, a.Monitor, remote.AdapterConfig{
		Timeout:  cfg.Remote.Timeout,
		Logger:   logger,
		Recorder: a.Metrics,
	})

	a.Queue = queue.NewManager(db.NewQueueStore(database), a.Records, a.Remote, a.Monitor, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		OpDelay:     cfg.Queue.OpDelay,
		AutoDrain:   opts.autoDrain,
		Logger:      logger,
	})
	a.unobserve = append(a.unobserve, a.Queue.Observe(a.Metrics))

	if err := a.Queue.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if n, err := a.Queue.RecoverPending(ctx); err != nil {
		a.Close()
		return nil, err
	} else if n > 0 {
		logger.Info("Re-enqueued pending records", map[string]interface{}{"operations": n})
	}

	a.Scheduler = scheduler.NewScheduler(a.Queue, a.Monitor, &scheduler.SchedulerConfig{
		DrainInterval: cfg.Queue.DrainInterval,
		Logger:        logger,
	})
	a.Service = services.NewRecordService(a.Records, a.Queue, a.Remote, a.Monitor, logger)
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	for _, fn := range a.unobserve {
		fn()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if err := a.closeRemote(); err != nil {
		errs = append(errs, err)
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
