// Package main provides the Loadbay worker binary, which drains the dispatch
// queue and runs the retention sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/cmd"
	"github.com/loadbay/loadbay/pkg/dispatcher"
	"github.com/loadbay/loadbay/pkg/engine"
	"github.com/loadbay/loadbay/pkg/otelhelper"
	"github.com/loadbay/loadbay/pkg/retention"
	cli "github.com/urfave/cli/v3"
)

type WorkerManager struct {
	id                string
	logger            *slog.Logger
	dispatcher        *dispatcher.Dispatcher
	sweeper           *retention.Sweeper
	retentionSchedule string
}

// NewWorkerManager wires the execution stack from CLI configuration. The
// returned cleanup closes the repository and flushes tracing.
func NewWorkerManager(ctx context.Context, id string, logger *slog.Logger, command *cli.Command) (*WorkerManager, func(context.Context), error) {
	var shutdownTracing func(context.Context) error

	if command.Bool("tracing") {
		var err error

		shutdownTracing, err = otelhelper.SetupTracing(ctx, "loadbay-worker")
		if err != nil {
			return nil, nil, err
		}
	}

	store, err := artifacts.NewStore(command.String("artifacts-path"), logger)
	if err != nil {
		return nil, nil, err
	}

	repo, err := cmd.NewTaskRepository(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, err
	}

	publisher, subscriber, err := cmd.NewChannel(
		command.String("queue-type"),
		command.String("kafka-brokers"),
		"loadbay-worker",
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	runTimeout := command.Duration("run-timeout")

	locker, err := cmd.NewLocker(ctx, command.String("lock-url"), 2*runTimeout, logger)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.NewEngine(engine.Config{
		EngineBinary: command.String("engine-binary"),
		RunTimeout:   runTimeout,
	}, repo, store, logger)

	disp := dispatcher.NewDispatcher(dispatcher.Config{
		Workers:    command.Int("workers"),
		QueueBound: command.Int("queue-bound"),
	}, publisher, subscriber, locker, eng, repo, logger)

	sweeper := retention.NewSweeper(store, command.Duration("retention-age"), logger)

	cleanup := func(ctx context.Context) {
		err := repo.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close repository", "error", err)
		}

		if shutdownTracing != nil {
			err = shutdownTracing(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shut down tracing", "error", err)
			}
		}
	}

	return &WorkerManager{
		id:                id,
		logger:            logger.With("module", "loadbay-worker"),
		dispatcher:        disp,
		sweeper:           sweeper,
		retentionSchedule: command.String("retention-schedule"),
	}, cleanup, nil
}

// Start launches the worker pool and the retention sweeper, then blocks until
// SIGINT or SIGTERM. Cancelling the context stops the workers; any run in
// flight is resolved by the engine before its worker exits.
func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := w.dispatcher.Start(ctx)
	if err != nil {
		return err
	}

	if w.retentionSchedule != "" {
		err = w.sweeper.Start(w.retentionSchedule)
		if err != nil {
			return err
		}
	}

	w.logger.InfoContext(ctx, "Worker started successfully", "worker_id", w.id)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	w.sweeper.Stop()
	cancel()
	w.dispatcher.Wait()

	return nil
}
