// Package main runs the recovery sweep once or on a schedule.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "crucible-recovery",
		Usage:                 "Fail stale steps and unstick experiments",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewSweepCommand(),
			NewScheduleCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
