package main

import (
	"context"
	"os"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "crucible-worker",
		EnableShellCompletion: true,
		Usage:                 "Run dispatched step batches against the agent and crew runners",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and /livez (0 disables)",
				Value:   9092,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
		}, cmd.RuntimeFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("crucible-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing Crucible Worker")

			rt, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeOptions(command, "crucible-worker"))
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			return NewWorkerManager(workerID, rt, logger, command.Int("metrics-port")).Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
