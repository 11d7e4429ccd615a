package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/persistence/file"
	"github.com/dukex/approvals/pkg/persistence/postgresql"
	"github.com/sethvargo/go-retry"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

// NewPersistence opens the store named by databaseURL: postgres:// or
// postgresql:// for PostgreSQL, file:// (or a bare path) for the JSON file store.
// Connecting to PostgreSQL is retried with exponential backoff.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return connectPostgres(ctx, logger, databaseURL)
	case "file":
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPersistence, provider)
	}
}

func connectPostgres(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	var p *postgresql.Persistence

	backoff := retry.WithMaxRetries(5, retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error

		p, err = postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			logger.WarnContext(ctx, "Database not reachable yet", "error", err)

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return p, nil
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return provider
}
