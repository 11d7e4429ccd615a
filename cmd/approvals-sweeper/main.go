// Package main provides the timeout sweeper for approval workflow steps.
package main

import (
	"context"
	"os"

	"github.com/dukex/approvals/pkg/log"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "approvals-sweeper"

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Time out, escalate and expire overdue approval steps",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
			OnceCommand(),
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("sweeper").Error("Sweeper exited", "error", err)
		os.Exit(1)
	}
}
