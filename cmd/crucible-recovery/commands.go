package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/crucible/pkg/cmd"
	"github.com/dukex/crucible/pkg/log"
	"github.com/dukex/crucible/pkg/recovery"
	cli "github.com/urfave/cli/v3"
)

func recoveryFlags(extra ...cli.Flag) []cli.Flag {
	return append(append(extra,
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Age after which running and pending steps count as stale (overrides the config file)",
			Sources: cli.EnvVars("RECOVERY_TIMEOUT"),
		},
	), cmd.RuntimeFlags()...)
}

func runtimeOptions(command *cli.Command) cmd.Options {
	opts := cmd.RuntimeOptions(command, "crucible-recovery")
	opts.RecoveryTimeout = command.Duration("timeout")

	if command.IsSet("cron") {
		opts.RecoverySchedule = command.String("cron")
	}

	return opts
}

func NewSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one recovery sweep and print its report",
		Flags: recoveryFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("crucible-recovery")

			rt, err := cmd.NewRuntime(ctx, logger, runtimeOptions(command))
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			report, err := rt.Sweeper.Sweep(ctx)
			if errors.Is(err, recovery.ErrSweepInProgress) {
				logger.InfoContext(ctx, "Another sweep is running, nothing to do")

				return nil
			}

			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")

			return encoder.Encode(report)
		},
	}
}

func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run the recovery sweep on a cron schedule",
		Flags: recoveryFlags(
			&cli.StringFlag{
				Name:    "cron",
				Usage:   "Cron expression or descriptor such as @every 5m (overrides the config file)",
				Sources: cli.EnvVars("RECOVERY_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and /livez (0 disables)",
				Value:   9093,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("crucible-recovery")

			rt, err := cmd.NewRuntime(ctx, logger, runtimeOptions(command))
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			scheduler, err := recovery.NewScheduler(rt.Sweeper, rt.Config.Recovery.Schedule, logger)
			if err != nil {
				return err
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()

			if port := command.Int("metrics-port"); port > 0 {
				ops := cmd.NewOpsApp(rt.Metrics)

				go func() {
					if err := ops.Listen(":" + strconv.Itoa(port)); err != nil {
						logger.ErrorContext(ctx, "Metrics server stopped", "error", err)
					}
				}()

				defer func() { _ = ops.Shutdown() }()
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down recovery scheduler...")

			return nil
		},
	}
}
