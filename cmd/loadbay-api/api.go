// Package main provides the Loadbay API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/loadbay/loadbay/pkg/cmd"
	"github.com/loadbay/loadbay/pkg/dispatcher"
	"github.com/loadbay/loadbay/pkg/engine"
	"github.com/loadbay/loadbay/pkg/report"
	"github.com/loadbay/loadbay/pkg/services"
	"github.com/loadbay/loadbay/pkg/validation"
	"github.com/loadbay/loadbay/pkg/web"
	cli "github.com/urfave/cli/v3"
)

type API struct {
	logger     *slog.Logger
	runService *services.RunService
	dispatcher *dispatcher.Dispatcher
	validate   *validator.Validate

	// startDispatcher is set in memory queue mode, where submission and
	// execution share the process. In kafka mode the loadbay-worker binary
	// owns the worker pool.
	startDispatcher bool
}

// NewAPI wires the service stack from CLI configuration. The returned cleanup
// closes the repository and any transport connections.
func NewAPI(ctx context.Context, logger *slog.Logger, command *cli.Command) (*API, func(context.Context), error) {
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
		"loadbay-api",
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

	reports := report.NewGenerator(report.Config{
		EngineBinary: command.String("engine-binary"),
		Timeout:      command.Duration("report-timeout"),
	}, repo, store, logger)

	runService := services.NewRunService(
		validation.NewValidator(validation.Config{}, logger),
		store,
		repo,
		disp,
		eng,
		reports,
		logger,
	)

	cleanup := func(ctx context.Context) {
		err := repo.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close repository", "error", err)
		}
	}

	return &API{
		logger:          logger,
		runService:      runService,
		dispatcher:      disp,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		startDispatcher: command.String("queue-type") != "kafka",
	}, cleanup, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.runService, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Loadbay API")
	})

	app.Post("/definitions", handlers.UploadDefinition)

	t := app.Group("/tasks")
	t.Post("/", handlers.StartRun)
	t.Get("/", handlers.ListTasks)
	t.Get("/:id", handlers.GetTask)
	t.Post("/:id/cancel", handlers.CancelRun)
	t.Post("/:id/report", handlers.RequestReport)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	if a.startDispatcher {
		err := a.dispatcher.Start(ctx)
		if err != nil {
			return err
		}
	}

	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
