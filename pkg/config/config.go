package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tracegrid/tracegrid/pkg/ledger"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/restapi"
	"github.com/tracegrid/tracegrid/pkg/stores"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvStorageDriver    = "TRACEGRID_STORAGE_DRIVER"
	EnvSQLitePath       = "TRACEGRID_SQLITE_PATH"
	EnvPostgresDSN      = "TRACEGRID_POSTGRES_DSN"
	EnvDefaultServiceID = "TRACEGRID_DEFAULT_SERVICE_ID"
	EnvListenAddress    = "TRACEGRID_LISTEN_ADDRESS"
	EnvLogLevel         = "LOG_LEVEL"
)

// Config is the application configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Tenancy   TenancyConfig    `yaml:"tenancy"`
	API       APIConfig        `yaml:"api"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver      string     `yaml:"driver" validate:"required,oneof=memory sqlite postgres"`
	SQLitePath  string     `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN string     `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
	Pool        PoolConfig `yaml:"pool"`
	SkipMigrate bool       `yaml:"skip_migrate"`
}

// PoolConfig tunes the SQL connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// TenancyConfig holds multi-tenant defaults.
type TenancyConfig struct {
	// DefaultServiceID scopes service-only queries that name no service.
	DefaultServiceID string `yaml:"default_service_id"`
}

// APIConfig configures the REST API.
type APIConfig struct {
	ListenAddress      string        `yaml:"listen_address" validate:"required"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	DefaultPageLimit   int           `yaml:"default_page_limit" validate:"gte=1,ltefield=MaxPageLimit"`
	MaxPageLimit       int           `yaml:"max_page_limit" validate:"gte=1,lte=1000"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LedgerConfig configures commit synchronization and batch status polling.
type LedgerConfig struct {
	// StatusURL is the base URL of the ledger's REST API. The status poller
	// is disabled when it is empty.
	StatusURL     string        `yaml:"status_url" validate:"omitempty,url"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	StatusTimeout time.Duration `yaml:"status_timeout" validate:"gt=0"`
	BatchLimit    int           `yaml:"batch_limit" validate:"gte=1"`
	QueueSize     int           `yaml:"queue_size" validate:"gte=1"`
}

// Default returns the built-in configuration: an in-memory store and the
// API on :8080.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: stores.DriverMemory,
			Pool: PoolConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				AcquireTimeout:  5 * time.Second,
				BusyTimeout:     5 * time.Second,
			},
		},
		API: APIConfig{
			ListenAddress:      ":8080",
			CORSAllowedOrigins: []string{"*"},
			DefaultPageLimit:   model.DefaultLimit,
			MaxPageLimit:       model.MaxLimit,
			ShutdownTimeout:    10 * time.Second,
		},
		Ledger: LedgerConfig{
			PollInterval:  5 * time.Second,
			StatusTimeout: 10 * time.Second,
			BatchLimit:    model.DefaultLimit,
			QueueSize:     ledger.DefaultQueueSize,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvStorageDriver, &c.Storage.Driver)
	set(EnvSQLitePath, &c.Storage.SQLitePath)
	set(EnvPostgresDSN, &c.Storage.PostgresDSN)
	set(EnvDefaultServiceID, &c.Tenancy.DefaultServiceID)
	set(EnvListenAddress, &c.API.ListenAddress)
	set(EnvLogLevel, &c.Telemetry.Logging.Level)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Tenancy.DefaultServiceID != "" {
		if err := model.ValidateKeyPart(c.Tenancy.DefaultServiceID); err != nil {
			return fmt.Errorf("invalid configuration: default_service_id: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// StoresConfig returns the store factory configuration.
func (c *Config) StoresConfig() stores.Config {
	dsn := ""
	switch c.Storage.Driver {
	case stores.DriverSQLite:
		dsn = c.Storage.SQLitePath
	case stores.DriverPostgres:
		dsn = c.Storage.PostgresDSN
	}
	return stores.Config{
		Driver:          c.Storage.Driver,
		DSN:             dsn,
		MaxOpenConns:    c.Storage.Pool.MaxOpenConns,
		MaxIdleConns:    c.Storage.Pool.MaxIdleConns,
		ConnMaxLifetime: c.Storage.Pool.ConnMaxLifetime,
		AcquireTimeout:  c.Storage.Pool.AcquireTimeout,
		BusyTimeout:     c.Storage.Pool.BusyTimeout,
		SkipMigrate:     c.Storage.SkipMigrate,
	}
}

// APIServerConfig returns the REST server configuration.
func (c *Config) APIServerConfig() restapi.Config {
	return restapi.Config{
		ListenAddress:      c.API.ListenAddress,
		CORSAllowedOrigins: c.API.CORSAllowedOrigins,
		DefaultServiceID:   c.Tenancy.DefaultServiceID,
		DefaultPageLimit:   c.API.DefaultPageLimit,
		MaxPageLimit:       c.API.MaxPageLimit,
		ShutdownTimeout:    c.API.ShutdownTimeout,
	}
}

// PollerConfig returns the batch status poller configuration.
func (c *Config) PollerConfig() ledger.PollerConfig {
	return ledger.PollerConfig{
		Interval:   c.Ledger.PollInterval,
		Timeout:    c.Ledger.StatusTimeout,
		BatchLimit: c.Ledger.BatchLimit,
	}
}
