package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/stores"
	"github.com/stratum-cloud/stratum/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. STRATUM_SERVER_ADDR.
const EnvPrefix = "STRATUM"

// Config is the stratum control plane configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  stores.Config    `mapstructure:"database"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Drivers   DriversConfig    `mapstructure:"drivers"`
	Policy    PolicyConfig     `mapstructure:"policy"`
	Regions   RegionsConfig    `mapstructure:"regions"`
	Schemas   SchemasConfig    `mapstructure:"schemas"`

	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// WaitTimeout bounds synchronous (?wait=true) requests.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// ExecutorConfig configures workflow execution.
type ExecutorConfig struct {
	MaxParallel int           `mapstructure:"max_parallel" validate:"min=1"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`

	// StepTimeout bounds one attempt of a workflow step.
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// Resume re-attaches to unfinished workflows on start.
	Resume bool `mapstructure:"resume"`
}

// RetryPolicy returns the executor retry policy.
func (c ExecutorConfig) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
	}
}

// DriversConfig configures the cloud drivers.
type DriversConfig struct {
	// RateLimit is the sustained driver calls per second per platform. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int     `mapstructure:"burst" validate:"min=0"`

	Memory MemoryDriverConfig `mapstructure:"memory"`
	S3     S3DriverConfig     `mapstructure:"s3"`
	MinIO  MinIODriverConfig  `mapstructure:"minio"`
}

// MemoryDriverConfig configures the in-process driver used by the local platform.
type MemoryDriverConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// S3DriverConfig configures storage containers on the aws platform.
type S3DriverConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region" validate:"required_if=Enabled true"`

	// Endpoint overrides the S3 endpoint, e.g. for localstack.
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
}

// MinIODriverConfig configures storage containers on the minio platform.
type MinIODriverConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Region          string `mapstructure:"region"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
}

// PolicyConfig configures custom Rego policies.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories loaded next to the built-ins.
	Paths []string `mapstructure:"paths"`

	// Watch reloads the policies when files under Paths change.
	Watch bool `mapstructure:"watch"`
}

// RegionsConfig configures the location tree.
type RegionsConfig struct {
	// File replaces the embedded location tree when set.
	File string `mapstructure:"file"`
}

// SchemasConfig configures resource attribute schemas.
type SchemasConfig struct {
	// Dir holds <resource-type>.cue files that override the built-in schemas.
	Dir string `mapstructure:"dir"`
}

// NotificationsConfig configures job completion webhooks.
type NotificationsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`

	// AllowedHosts restricts notification targets. Empty admits any host.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			WaitTimeout:     2 * time.Minute,
		},
		Database: stores.Config{
			Dialect:         stores.DialectSQLite,
			DSN:             "stratum.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Executor: ExecutorConfig{
			MaxParallel: 16,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			StepTimeout: 5 * time.Minute,
			Resume:      true,
		},
		Telemetry: *telemetry.DefaultConfig(),
		Drivers: DriversConfig{
			RateLimit: 10,
			Burst:     20,
			Memory:    MemoryDriverConfig{Enabled: true},
		},
		Notifications: NotificationsConfig{Timeout: 10 * time.Second},
	}
}

// setDefaults registers every overridable key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.wait_timeout", d.Server.WaitTimeout)

	v.SetDefault("database.dialect", string(d.Database.Dialect))
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("executor.max_parallel", d.Executor.MaxParallel)
	v.SetDefault("executor.max_attempts", d.Executor.MaxAttempts)
	v.SetDefault("executor.base_delay", d.Executor.BaseDelay)
	v.SetDefault("executor.max_delay", d.Executor.MaxDelay)
	v.SetDefault("executor.step_timeout", d.Executor.StepTimeout)
	v.SetDefault("executor.resume", d.Executor.Resume)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", d.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", d.Telemetry.Logging.Format)
	v.SetDefault("telemetry.logging.output", d.Telemetry.Logging.Output)
	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", d.Telemetry.Tracing.SamplingRate)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.path", d.Telemetry.Metrics.Path)

	v.SetDefault("drivers.rate_limit", d.Drivers.RateLimit)
	v.SetDefault("drivers.burst", d.Drivers.Burst)
	v.SetDefault("drivers.memory.enabled", d.Drivers.Memory.Enabled)
	v.SetDefault("drivers.s3.enabled", d.Drivers.S3.Enabled)
	v.SetDefault("drivers.s3.region", d.Drivers.S3.Region)
	v.SetDefault("drivers.s3.endpoint", d.Drivers.S3.Endpoint)
	v.SetDefault("drivers.s3.profile", d.Drivers.S3.Profile)
	v.SetDefault("drivers.s3.access_key_id", d.Drivers.S3.AccessKeyID)
	v.SetDefault("drivers.s3.secret_access_key", d.Drivers.S3.SecretAccessKey)
	v.SetDefault("drivers.s3.use_path_style", d.Drivers.S3.UsePathStyle)
	v.SetDefault("drivers.s3.bucket_prefix", d.Drivers.S3.BucketPrefix)
	v.SetDefault("drivers.minio.enabled", d.Drivers.MinIO.Enabled)
	v.SetDefault("drivers.minio.endpoint", d.Drivers.MinIO.Endpoint)
	v.SetDefault("drivers.minio.access_key_id", d.Drivers.MinIO.AccessKeyID)
	v.SetDefault("drivers.minio.secret_access_key", d.Drivers.MinIO.SecretAccessKey)
	v.SetDefault("drivers.minio.use_ssl", d.Drivers.MinIO.UseSSL)
	v.SetDefault("drivers.minio.region", d.Drivers.MinIO.Region)
	v.SetDefault("drivers.minio.bucket_prefix", d.Drivers.MinIO.BucketPrefix)

	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.watch", false)
	v.SetDefault("regions.file", "")
	v.SetDefault("schemas.dir", "")
	v.SetDefault("notifications.timeout", d.Notifications.Timeout)
	v.SetDefault("notifications.allowed_hosts", []string{})
}

// Load reads the configuration from path, or from stratum.yaml in the
// working directory or /etc/stratum when path is empty. Environment
// variables prefixed with STRATUM_ override file values, with dots in keys
// replaced by underscores.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stratum")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stratum")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Database.Dialect.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
