package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/runner"
	"github.com/gofiber/fiber/v3"
)

var ErrBusRequired = errors.New("workers need a shared event bus (gochannel or kafka)")

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	runtime     *cmd.Runtime
	metricsPort int
	ops         *fiber.App
}

func NewWorkerManager(id string, runtime *cmd.Runtime, logger *slog.Logger, metricsPort int) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "crucible-worker", "worker_id", id),
		runtime:     runtime,
		metricsPort: metricsPort,
	}
}

// Setup registers the batch handler and starts consuming the bus.
func (w *WorkerManager) Setup(ctx context.Context) error {
	if w.runtime.EventBus == nil {
		return ErrBusRequired
	}

	worker := runner.NewWorker(w.id, w.runtime.Executor, w.runtime.EventBus, w.logger)
	if err := worker.Register(); err != nil {
		return err
	}

	if err := w.runtime.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	if w.metricsPort > 0 {
		w.ops = cmd.NewOpsApp(w.runtime.Metrics)

		go func() {
			if err := w.ops.Listen(":" + strconv.Itoa(w.metricsPort)); err != nil {
				w.logger.ErrorContext(ctx, "Metrics server stopped", "error", err)
			}
		}()
	}

	return nil
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	if err := w.Setup(ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker manager started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	if w.ops != nil {
		return w.ops.Shutdown()
	}

	return nil
}
