package main

import (
	"context"
	"os"
	"time"

	"github.com/loadbay/loadbay/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9080

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "loadbay-api",
		Usage:                 "Manage load test definitions and runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Value:   "memory",
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
			&cli.DurationFlag{
				Name:    "report-timeout",
				Usage:   "Wall-clock limit per report generation",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("REPORT_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent run slots (memory queue mode only)",
				Value:   4,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "queue-bound",
				Usage:   "Maximum number of queued pending tasks",
				Value:   256,
				Sources: cli.EnvVars("QUEUE_BOUND"),
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

			logger.InfoContext(ctx, "Initializing Loadbay API")

			api, cleanup, err := NewAPI(ctx, logger, command)
			if err != nil {
				return err
			}

			defer cleanup(ctx)

			err = api.Start(ctx, command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
