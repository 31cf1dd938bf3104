package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loadbay/loadbay/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "loadbay-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute queued load test runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Task repository URL (postgres:// for PostgreSQL, a path for the file backend)",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "artifacts-path",
				Usage:   "Root directory for definitions, result logs, and reports",
				Value:   "./artifacts",
				Sources: cli.EnvVars("ARTIFACTS_PATH"),
			},
			&cli.StringFlag{
				Name:    "queue-type",
				Usage:   "Dispatch queue type (memory, kafka)",
				Value:   "kafka",
				Sources: cli.EnvVars("QUEUE_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list (required when queue-type is kafka)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "lock-url",
				Usage:   "Run lock URL (redis:// for the distributed lock; empty for in-process)",
				Sources: cli.EnvVars("LOCK_URL"),
			},
			&cli.StringFlag{
				Name:    "engine-binary",
				Usage:   "Path to the load generation engine binary",
				Value:   "jmeter",
				Sources: cli.EnvVars("ENGINE_BINARY"),
			},
			&cli.DurationFlag{
				Name:    "run-timeout",
				Usage:   "Wall-clock limit per run",
				Value:   time.Hour,
				Sources: cli.EnvVars("RUN_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent run slots",
				Value:   4,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "queue-bound",
				Usage:   "Maximum number of queued pending tasks",
				Value:   256,
				Sources: cli.EnvVars("QUEUE_BOUND"),
			},
			&cli.DurationFlag{
				Name:    "retention-age",
				Usage:   "Maximum age of result artifacts before the sweeper removes them",
				Value:   7 * 24 * time.Hour,
				Sources: cli.EnvVars("RETENTION_AGE"),
			},
			&cli.StringFlag{
				Name:    "retention-schedule",
				Usage:   "Cron schedule for the retention sweeper (empty disables it)",
				Value:   "0 3 * * *",
				Sources: cli.EnvVars("RETENTION_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("loadbay-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Loadbay Worker")

			manager, cleanup, err := NewWorkerManager(ctx, workerID, logger, command)
			if err != nil {
				return err
			}

			defer cleanup(ctx)

			err = manager.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
