package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/approvals/pkg/cmd"
	"github.com/dukex/approvals/pkg/log"
	"github.com/dukex/approvals/pkg/sweeper"
	"github.com/urfave/cli/v3"
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Sweep overdue steps on a cron schedule",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression or descriptor for the sweep",
				Value:   sweeper.DefaultSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
		}, cmd.CommonFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("sweeper")

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

			s, err := sweeper.New(stack.Engine, command.String("schedule"), logger)
			if err != nil {
				return err
			}

			err = s.Start(ctx)
			if err != nil {
				return err
			}

			<-ctx.Done()

			logger.InfoContext(ctx, "Shutting down sweeper")

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			return s.Stop(stopCtx)
		},
	}
}

func OnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single sweep and exit",
		Flags: cmd.CommonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("sweeper")

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

			s, err := sweeper.New(stack.Engine, sweeper.DefaultSchedule, logger)
			if err != nil {
				return err
			}

			result, err := s.RunOnce(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(command.Root().Writer, "timed out: %d, escalated: %d, expired: %d\n",
				result.TimedOut, result.Escalated, result.Expired)

			return err
		},
	}
}
