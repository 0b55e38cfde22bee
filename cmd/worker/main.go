// Command worker launches one or more Resque-compatible worker loops
// against a Redis queue, per the environment surface in internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goresque/goresque/internal/config"
	"github.com/goresque/goresque/internal/events"
	"github.com/goresque/goresque/internal/failure"
	"github.com/goresque/goresque/internal/job"
	"github.com/goresque/goresque/internal/logger"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/redisconn"
	"github.com/goresque/goresque/internal/stats"
	"github.com/goresque/goresque/internal/status"
	"github.com/goresque/goresque/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	mainLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	mainLog.Info("worker launching",
		"queue", cfg.Queue,
		"count", cfg.Count,
		"interval", cfg.Interval,
		"redis_backend", cfg.RedisBackend,
		"redis_namespace", cfg.RedisNamespace,
	)

	conn, err := redisconn.New(redisconn.Config{
		Server:    cfg.RedisBackend,
		Database:  cfg.RedisDatabase,
		Namespace: cfg.RedisNamespace,
		Password:  cfg.RedisPassword,
	})
	if err != nil {
		mainLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			mainLog.Error("failed to close redis connection", "error", err)
		}
	}()

	manager := job.NewManager(
		queue.New(conn),
		status.New(conn),
		failure.NewRedisSink(conn),
		events.New(),
		stats.New(conn),
	)

	registry := registerHandlers()
	mainLog.Info("registered job handlers", "count", registry.Count())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	workers := make([]*worker.Worker, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		w := worker.New(cfg.Queues(), manager, registry, conn, cfg.Interval, log)
		workers = append(workers, w)
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Work(ctx); err != nil {
				mainLog.WithWorker(w.ID()).Error("worker exited with error", "error", err)
			}
		}(w)
	}

	sig := <-sigChan
	mainLog.Info("received shutdown signal, stopping workers", "signal", sig)
	cancel()
	wg.Wait()

	mainLog.Info("worker shut down successfully")
}

// registerHandlers wires up the job classes this process knows how to run.
// A host application would normally load these via the path named by
// APP_INCLUDE; this launcher registers none by default.
func registerHandlers() *worker.Registry {
	return worker.NewRegistry()
}
