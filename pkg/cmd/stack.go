// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/dukex/approvals/pkg/assignment"
	"github.com/dukex/approvals/pkg/eventbus"
	"github.com/dukex/approvals/pkg/metrics"
	"github.com/dukex/approvals/pkg/otelhelper"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/services"
	"github.com/urfave/cli/v3"
)

// Options configure the services shared by every binary.
type Options struct {
	ServiceName  string
	DatabaseURL  string
	EventBus     string
	KafkaBrokers string
	Directory    string
	AdminRole    string
	SweepBatch   int
	Tracing      bool
}

// CommonFlags are accepted by every approvals binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or file://path)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, memory)",
			Value:   "memory",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:     "directory",
			Usage:    "User directory (redis://... or path to a JSON file)",
			Required: true,
			Sources:  cli.EnvVars("DIRECTORY_URL"),
		},
		&cli.StringFlag{
			Name:    "admin-role",
			Usage:   "Role that receives unresolved assignments",
			Value:   "admin",
			Sources: cli.EnvVars("ADMIN_ROLE"),
		},
		&cli.IntFlag{
			Name:    "sweep-batch",
			Usage:   "Maximum due steps handled by one timeout sweep",
			Value:   500,
			Sources: cli.EnvVars("SWEEP_BATCH"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// OptionsFrom reads CommonFlags from a parsed command.
func OptionsFrom(command *cli.Command, serviceName string) Options {
	return Options{
		ServiceName:  serviceName,
		DatabaseURL:  command.String("database-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		Directory:    command.String("directory"),
		AdminRole:    command.String("admin-role"),
		SweepBatch:   command.Int("sweep-batch"),
		Tracing:      command.Bool("otel"),
	}
}

// Stack is the wired engine with everything it depends on.
type Stack struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Metrics     *metrics.Metrics
	Engine      *services.Engine
	Templates   *services.Templates
	Approvals   *services.Approvals

	closers []func(ctx context.Context) error
}

// NewStack connects persistence, the event bus and the directory, and builds
// the services on top of them. On error everything opened so far is closed.
func NewStack(ctx context.Context, logger *slog.Logger, opts Options) (_ *Stack, err error) {
	stack := &Stack{Metrics: metrics.New()}

	defer func() {
		if err != nil {
			_ = stack.Close(ctx)
		}
	}()

	tracer := otelhelper.NoopTracer()

	if opts.Tracing {
		var shutdown otelhelper.Shutdown

		tracer, shutdown, err = otelhelper.NewTracer(ctx, opts.ServiceName)
		if err != nil {
			return nil, err
		}

		stack.closers = append(stack.closers, shutdown)
	}

	stack.Persistence, err = NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	stack.closers = append(stack.closers, stack.Persistence.Close)

	stack.EventBus, err = NewEventBus(opts.EventBus, opts.KafkaBrokers, opts.ServiceName, logger)
	if err != nil {
		return nil, err
	}

	stack.closers = append(stack.closers, closeWith(stack.EventBus))

	dir, dirCloser, err := NewDirectory(ctx, logger, opts.Directory)
	if err != nil {
		return nil, err
	}

	stack.closers = append(stack.closers, closeWith(dirCloser))

	resolver := assignment.NewResolver(dir, opts.AdminRole, logger)

	stack.Engine = services.NewEngine(stack.Persistence, resolver, stack.EventBus, logger,
		services.WithMetrics(stack.Metrics),
		services.WithTracer(tracer),
		services.WithSweepBatch(opts.SweepBatch),
	)
	stack.Templates = services.NewTemplates(stack.Persistence, logger)
	stack.Approvals = services.NewApprovals(stack.Engine, logger)

	return stack, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}

	s.closers = nil

	return errors.Join(errs...)
}

func closeWith(closer io.Closer) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
