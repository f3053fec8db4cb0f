package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/pkg/stores"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, stores.DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.API.ListenAddress)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
storage:
  driver: sqlite
  sqlite_path: /tmp/tracegrid.db
  pool:
    max_open_conns: 4
    acquire_timeout: 2s
tenancy:
  default_service_id: circuit-01::svc-a
api:
  listen_address: ":9090"
  default_page_limit: 20
  max_page_limit: 200
ledger:
  status_url: http://localhost:8008
  poll_interval: 1s
telemetry:
  logging:
    level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Storage.Pool.MaxOpenConns)
	assert.Equal(t, 2*time.Second, cfg.Storage.Pool.AcquireTimeout)
	// unset values keep their defaults
	assert.Equal(t, 5, cfg.Storage.Pool.MaxIdleConns)
	assert.Equal(t, time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Ledger.StatusTimeout)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "tracegrid", cfg.Telemetry.ServiceName)

	sc := cfg.StoresConfig()
	assert.Equal(t, "/tmp/tracegrid.db", sc.DSN)
	assert.Equal(t, 2*time.Second, sc.AcquireTimeout)

	api := cfg.APIServerConfig()
	assert.Equal(t, "circuit-01::svc-a", api.DefaultServiceID)
	assert.Equal(t, 20, api.DefaultPageLimit)
	assert.Equal(t, 200, api.MaxPageLimit)

	pc := cfg.PollerConfig()
	assert.Equal(t, time.Second, pc.Interval)
	assert.Equal(t, 100, pc.BatchLimit)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "storage:\n  driver: mysql\n"},
		{"sqlite without path", "storage:\n  driver: sqlite\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"default above max", "api:\n  default_page_limit: 500\n  max_page_limit: 100\n"},
		{"max above cap", "api:\n  max_page_limit: 5000\n"},
		{"zero poll interval", "ledger:\n  poll_interval: 0s\n"},
		{"bad status url", "ledger:\n  status_url: not a url\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
		{"control byte tenant", "tenancy:\n  default_service_id: \"a\\x01b\"\n"},
		{"malformed yaml", "storage: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvStorageDriver:    "postgres",
		EnvPostgresDSN:      "postgres://localhost/tracegrid",
		EnvDefaultServiceID: "svc-b",
		EnvListenAddress:    ":7070",
		EnvLogLevel:         "warn",
		EnvSQLitePath:       "  ",
	}
	cfg := Default()
	cfg.Storage.SQLitePath = "/keep.db"
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/tracegrid", cfg.StoresConfig().DSN)
	assert.Equal(t, "/keep.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "svc-b", cfg.Tenancy.DefaultServiceID)
	assert.Equal(t, ":7070", cfg.API.ListenAddress)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracegrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  listen_address: \":9000\"\n"), 0o600))

	t.Setenv(EnvStorageDriver, "sqlite")
	t.Setenv(EnvSQLitePath, filepath.Join(t.TempDir(), "db.sqlite"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.API.ListenAddress)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracegrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  logging:\n    level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		levels []string
	)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			mu.Lock()
			levels = append(levels, cfg.Telemetry.Logging.Level)
			mu.Unlock()
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  logging:\n    level: loud\n"), 0o600))
	time.Sleep(2 * reloadDelay)
	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  logging:\n    level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.NotContains(t, levels, "loud")
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
