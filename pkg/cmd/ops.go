package cmd

import (
	"github.com/dukex/crucible/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
)

// MetricsHandler serves the Prometheus registry of m.
func MetricsHandler(m *metrics.Metrics) fiber.Handler {
	return adaptor.HTTPHandler(m.Handler())
}

// NewOpsApp serves liveness and metrics for processes without a REST API.
func NewOpsApp(m *metrics.Metrics) *fiber.App {
	app := fiber.New()

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/metrics", MetricsHandler(m))

	return app
}
