package cmd

import (
	"log/slog"
	"time"

	"github.com/dukex/crucible/pkg/config"
	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/runner"
)

const retryDelay = 2 * time.Second

// NewRunnerRegistry registers an HTTP runner for every executable node type
// that has an endpoint configured. Steps of a type without one fail with
// runner.ErrNoRunner when dispatched.
func NewRunnerRegistry(cfg *config.Config, logger *slog.Logger) *runner.Registry {
	registry := runner.NewRegistry()

	for _, nodeType := range []models.NodeType{models.NodeTypeAgent, models.NodeTypeCrew} {
		settings := cfg.Runner(nodeType)
		if settings.URL == "" {
			logger.Warn("No runner endpoint configured", "node_type", nodeType)

			continue
		}

		httpRunner := runner.NewHTTPRunner(settings.URL, logger, runner.WithRetry(runner.RetryConfig{
			Attempts: settings.Retries + 1,
			Delay:    retryDelay,
		}))

		registry.Register(nodeType, httpRunner, settings.Timeout)
		logger.Info("Registered runner", "node_type", nodeType, "url", settings.URL, "timeout", settings.Timeout)
	}

	return registry
}
