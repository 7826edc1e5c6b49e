// Package main provides the Crucible API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/materialize"
	"github.com/dukex/crucible/pkg/services"
	"github.com/dukex/crucible/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	rt := a.runtime

	workflowService := services.NewWorkflow(rt.Persistence, a.logger)
	experimentService := services.NewExperiment(rt.Persistence, rt.Machine, rt.Engine, materialize.New(a.logger), a.logger)

	handlers := web.NewAPIHandlers(workflowService, experimentService, rt.Sweeper, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			_, ok := workflowService.HealthCheck(c.Context())

			return ok
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Crucible API")
	})

	app.Get("/metrics", cmd.MetricsHandler(rt.Metrics))

	handlers.Routes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
