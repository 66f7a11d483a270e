package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/cache"
	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/depend"
	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/lock"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/queue"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
	"github.com/mattjoyce/dispatchd/internal/state"
	"github.com/mattjoyce/dispatchd/internal/storage"
	"github.com/mattjoyce/dispatchd/internal/worker"
)

const eventBufferSize = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("dispatchd starting", "version", version, "config", path)

	if cfg.State.LockPath != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.State.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.State.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", cfg.State.LockPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	broker, err := openBroker(ctx, cfg.Broker, db)
	if err != nil {
		logger.Error("failed to open broker", "backend", cfg.Broker.Backend, "error", err)
		return 1
	}
	defer broker.Close()

	results, err := openCache(ctx, cfg.Cache)
	if err != nil {
		logger.Error("failed to open result cache", "backend", cfg.Cache.Backend, "error", err)
		return 1
	}
	defer results.Close()
	logger.Info("backends ready", "broker", cfg.Broker.Backend, "cache", cfg.Cache.Backend)

	hub := events.NewHub(eventBufferSize)
	defer hub.Close()

	store := state.NewStore(db)
	callbacks := newCallbacks(log.WithComponent("callback"))
	rt := router.New(broker)
	disp := dispatch.New(dispatch.Deps{
		Store:     store,
		Locks:     lock.NewManager(cfg.Dispatch.LockShards, store, log.WithComponent("lock")),
		Blocker:   depend.NewBlocker(),
		Router:    rt,
		Cache:     results,
		Callbacks: callbacks,
		Invoker:   callback.NewInvoker(callbacks, cfg.Dispatch.CallbackTimeout, hub, log.WithComponent("callback")),
		Events:    hub,
		Logger:    log.WithComponent("dispatch"),
	}, dispatch.Config{
		DefaultDeadline: cfg.Dispatch.DefaultDeadline,
		LeaseTTL:        cfg.Dispatch.LeaseTTL,
		CacheTTL:        cfg.Dispatch.CacheTTL,
		MaxOutputBytes:  cfg.Dispatch.MaxOutputBytes,
	})

	sched := scheduler.New(cfg.Service.TickInterval, disp, log.WithComponent("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:    cfg.API.Listen,
			APIKey:    cfg.API.APIKey,
			WorkerKey: cfg.API.WorkerKey,
		}, disp, rt, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Worker.Enabled {
		w := worker.New(client.New(cfg.Worker.APIURL, cfg.Worker.APIKey), workerOptions(cfg.Worker), log.WithComponent("worker"))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
		logger.Info("in-process worker enabled", "name", cfg.Worker.Name, "queues", cfg.Worker.Queues)
	}

	logger.Info("dispatchd running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("dispatchd stopped")
	return 0
}

// newCallbacks builds the closed set of completion handlers.
func newCallbacks(logger *slog.Logger) *callback.Registry {
	return callback.NewRegistry(logger)
}

func openBroker(ctx context.Context, cfg config.BackendConfig, db *sql.DB) (queue.Broker, error) {
	backend, err := queue.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch backend {
	case queue.BackendMemory:
		return queue.NewMemory(), nil
	case queue.BackendRedis:
		r, err := queue.DialRedis(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return queue.NewSQLite(db), nil
	}
}

func openCache(ctx context.Context, cfg config.BackendConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return cache.NewMemory(), nil
	case "redis":
		r, err := cache.DialRedis(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func workerOptions(w config.WorkerConfig) worker.Options {
	return worker.Options{
		Name:         w.Name,
		Queues:       w.Queues,
		Concurrency:  w.Concurrency,
		PollInterval: w.PollInterval,
		ExecTimeout:  w.ExecTimeout,
	}
}
