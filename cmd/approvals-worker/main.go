package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/approvals/pkg/cmd"
	"github.com/dukex/approvals/pkg/log"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "approvals-worker"

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Start approval workflows from entity events",
		EnableShellCompletion: true,
		Flags:                 cmd.CommonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := cmd.NewStack(ctx, logger, cmd.OptionsFrom(command, serviceName))
			if err != nil {
				return err
			}

			defer func() {
				err := stack.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			worker := NewWorker(stack.Engine, stack.EventBus, logger)

			err = worker.Start(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Worker started, waiting for entity events")

			<-ctx.Done()

			logger.InfoContext(ctx, "Shutting down worker")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("worker").Error("Worker exited", "error", err)
		os.Exit(1)
	}
}
