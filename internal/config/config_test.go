package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laudos/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StaleAfter)
	assert.Equal(t, 0, cfg.Queue.MaxAttempts)
}

func TestFromYAMLOverlaysDefault(t *testing.T) {
	cfg, err := config.FromYAML([]byte("queue:\n  workers: 8\n  max_attempts: 3\naccess:\n  grants:\n    operator: [queue.read]\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, []string{"queue.read"}, cfg.Access.Grants["operator"])

	_, err = config.FromYAML([]byte("queue: [nope"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"driver":        func(c *config.Config) { c.Database.Driver = "mysql" },
		"postgres dsn":  func(c *config.Config) { c.Database.Driver = "postgres" },
		"workers":       func(c *config.Config) { c.Queue.Workers = 0 },
		"stale":         func(c *config.Config) { c.Queue.StaleAfter = 0 },
		"max attempts":  func(c *config.Config) { c.Queue.MaxAttempts = -1 },
		"storage root":  func(c *config.Config) { c.Storage.Root = "" },
		"log format":    func(c *config.Config) { c.Log.Format = "xml" },
		"empty grant":   func(c *config.Config) { c.Access.Grants = map[string][]string{"operator": {""}} },
		"delivery tick": func(c *config.Config) { c.Delivery.URL = "http://x"; c.Delivery.Interval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LAUDOS_QUEUE_WORKERS", "5")
	t.Setenv("LAUDOS_QUEUE_STALE_AFTER", "90s")
	t.Setenv("LAUDOS_DB_DRIVER", "postgres")
	t.Setenv("LAUDOS_DB_DSN", "postgres://localhost/laudos")
	t.Setenv("LAUDOS_SERVER_ADDR", ":9000")
	cfg := config.Default()
	require.NoError(t, config.ApplyEnv(cfg))
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 90*time.Second, cfg.Queue.StaleAfter)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestLoadLayersFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("queue:\n  workers: 4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LAUDOS_STORAGE_ROOT=/srv/laudos\n"), 0o644))
	t.Setenv("LAUDOS_QUEUE_WORKERS", "6")
	// godotenv sets variables directly; register cleanup for the one it adds.
	t.Cleanup(func() { os.Unsetenv("LAUDOS_STORAGE_ROOT") })

	cfg, err := config.Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Queue.Workers)
	assert.Equal(t, "/srv/laudos", cfg.Storage.Root)
	assert.Equal(t, dir, cfg.Database.Workspace)
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.Workers)

	_, err = config.Load(filepath.Join(dir, "absent.yml"), dir)
	require.Error(t, err)
}
