package cmd

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePersistenceProvider(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"./data":                          "file",
		"file:///var/lib/stepflow":        "file",
		"postgres://user@localhost/db":    "postgresql",
		"postgresql://user@localhost/db":  "postgresql",
		"redis://localhost:6379/0":        "redis",
		"rediss://cache.internal:6380/0":  "redis",
		"mongodb://localhost:27017/flows": "mongodb",
	}

	for url, expected := range tests {
		t.Run(url, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, expected, parsePersistenceProvider(url))
		})
	}
}

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "store")

	p, err := NewPersistence(t.Context(), testLogger(), "file://"+root)
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
	require.NoError(t, p.HealthCheck(t.Context()))

	_, err = NewPersistence(t.Context(), testLogger(), "mongodb://localhost/flows")
	require.ErrorContains(t, err, "unsupported persistence provider")

	_, err = NewPersistence(t.Context(), testLogger(), "file://")
	require.Error(t, err)
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus("gochannel", testLogger())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("rabbitmq", testLogger())
	require.ErrorContains(t, err, "unsupported event bus provider")
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(testLogger(), file.NewPersistence(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, []models.TaskType{models.TaskTypeArea, models.TaskTypeReport}, reg.TaskTypes())

	_, ok := reg.HealthCheck()
	assert.True(t, ok)
}
