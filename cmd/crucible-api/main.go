package main

import (
	"context"
	"os"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/log"
	"github.com/dukex/crucible/pkg/runner"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "crucible-api",
		Usage:                 "Manage workflows and drive experiments",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.RuntimeFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("crucible-api")
			logger.InfoContext(ctx, "Initializing Crucible API")

			rt, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeOptions(command, "crucible-api"))
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			// gochannel only reaches this process, so it runs its own worker.
			if command.String("event-bus") == "gochannel" {
				worker := runner.NewWorker("crucible-api", rt.Executor, rt.EventBus, logger)
				if err := worker.Register(); err != nil {
					return err
				}
			}

			if err := rt.ServeCompletions(); err != nil {
				return err
			}

			if err := rt.Subscribe(ctx); err != nil {
				return err
			}

			return NewAPI(logger, rt).Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
