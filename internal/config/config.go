// Package config loads the service configuration with precedence
// defaults < config file < environment (CIPHERHUB_*) < runtime overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Blobs     BlobsConfig     `mapstructure:"blobs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Collector CollectorConfig `mapstructure:"collector"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ServerTiming    bool          `mapstructure:"server_timing"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobsConfig locates the durable job registry. An empty Dir keeps jobs in
// memory only.
type JobsConfig struct {
	Dir string `mapstructure:"dir"`
}

type BlobsConfig struct {
	Backend string   `mapstructure:"backend"`
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type TelemetryConfig struct {
	Backend   string `mapstructure:"backend"`
	DBPath    string `mapstructure:"db_path"`
	DBURL     string `mapstructure:"db_url"`
	AuthToken string `mapstructure:"auth_token"`
}

type CollectorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	SampleTimeout time.Duration `mapstructure:"sample_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	RosterFile    string        `mapstructure:"roster_file"`
	Seed          int64         `mapstructure:"seed"`
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch strings.ToLower(c.Blobs.Backend) {
	case blobstore.BackendMemory:
	case blobstore.BackendFile:
		if strings.TrimSpace(c.Blobs.Dir) == "" {
			return fmt.Errorf("blobs.dir is required for the file backend")
		}
	case blobstore.BackendS3:
		if strings.TrimSpace(c.Blobs.S3.Bucket) == "" {
			return fmt.Errorf("blobs.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blobs.backend %q", c.Blobs.Backend)
	}

	switch strings.ToLower(c.Telemetry.Backend) {
	case telemetry.BackendMemory:
	case telemetry.BackendSQL, "sqlite", "libsql":
		if strings.TrimSpace(c.Telemetry.DBPath) == "" && strings.TrimSpace(c.Telemetry.DBURL) == "" {
			return fmt.Errorf("telemetry.db_path or telemetry.db_url is required for the sql backend")
		}
	default:
		return fmt.Errorf("unknown telemetry.backend %q", c.Telemetry.Backend)
	}

	if c.Collector.Enabled {
		if c.Collector.Interval <= 0 {
			return fmt.Errorf("collector.interval must be positive")
		}
		if c.Collector.Concurrency < 1 {
			return fmt.Errorf("collector.concurrency must be >= 1")
		}
	}
	return nil
}

// BlobStoreConfig converts to the blobstore.Open form.
func (c *Config) BlobStoreConfig() blobstore.Config {
	return blobstore.Config{
		Backend: c.Blobs.Backend,
		Dir:     c.Blobs.Dir,
		S3:      s3Config(c.Blobs.S3),
	}
}

// TelemetryDBConfig converts to the telemetry.Open form.
func (c *Config) TelemetryDBConfig() telemetry.DBConfig {
	return telemetry.DBConfig{
		Path:      c.Telemetry.DBPath,
		URL:       c.Telemetry.DBURL,
		AuthToken: c.Telemetry.AuthToken,
	}
}
