package main

import (
	"context"
	"os"

	"github.com/dukex/approvals/pkg/cmd"
	"github.com/dukex/approvals/pkg/log"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

const (
	serviceName = "approvals-api"
	defaultPort = 9091
)

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Serve the approval workflow HTTP API",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.CommonFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing approvals API")

			stack, err := cmd.NewStack(ctx, logger, cmd.OptionsFrom(command, serviceName))
			if err != nil {
				return err
			}

			defer func() {
				err := stack.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			return NewAPI(logger, stack).Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("api").Error("API exited", "error", err)
		os.Exit(1)
	}
}
