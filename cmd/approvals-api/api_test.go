package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dukex/approvals/pkg/cmd"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dirPath := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(dirPath, []byte(`{"users": [{"id": "root", "company_id": "acme", "active": true, "roles": ["admin"]}]}`), 0o600))

	stack, err := cmd.NewStack(ctx, logger, cmd.Options{
		ServiceName: serviceName,
		DatabaseURL: "file://" + t.TempDir(),
		EventBus:    "memory",
		Directory:   dirPath,
		AdminRole:   "admin",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = stack.Close(ctx)
	})

	return NewAPI(logger, stack).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Approvals API", body)
}

func TestAPI_Liveness(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/livez")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestAPI_Health(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/health")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "healthy")
}

func TestAPI_Metrics(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/metrics")

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(body, "go_goroutines"), "metrics output should include Go collector")
}

func TestAPI_ListTemplates_Empty(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/templates")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"total_count":0`)
}
