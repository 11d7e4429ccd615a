package cmd

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/dukex/approvals/pkg/directory"
)

const directoryNamespace = "approvals"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewDirectory opens the user directory: redis:// or rediss:// for Redis,
// anything else is read as a JSON directory file.
func NewDirectory(ctx context.Context, logger *slog.Logger, url string) (directory.Directory, io.Closer, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		dir, err := directory.NewRedisFromURL(ctx, url, directoryNamespace, logger)
		if err != nil {
			return nil, nil, err
		}

		return dir, dir, nil
	}

	dir, err := directory.LoadStatic(url)
	if err != nil {
		return nil, nil, err
	}

	return dir, nopCloser{}, nil
}
