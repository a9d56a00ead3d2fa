package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file (cipherhub.yaml) and the user config dir.
	AppName = "cipherhub"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "CIPHERHUB_"

	// ConfigFileEnv points at an explicit config file.
	ConfigFileEnv = EnvPrefix + "CONFIG"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var envSuffixes = []EnvSpec{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"MAX_UPLOAD_BYTES", "server.max_upload_bytes"},
	{"CORS_ORIGINS", "server.cors_origins"},
	{"SERVER_TIMING", "server.server_timing"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"JOBS_DIR", "jobs.dir"},
	{"BLOB_BACKEND", "blobs.backend"},
	{"BLOB_DIR", "blobs.dir"},
	{"S3_BUCKET", "blobs.s3.bucket"},
	{"S3_REGION", "blobs.s3.region"},
	{"S3_ENDPOINT", "blobs.s3.endpoint"},
	{"S3_PREFIX", "blobs.s3.prefix"},
	{"S3_PROFILE", "blobs.s3.profile"},
	{"S3_FORCE_PATH_STYLE", "blobs.s3.force_path_style"},
	{"TELEMETRY_BACKEND", "telemetry.backend"},
	{"TELEMETRY_DB_PATH", "telemetry.db_path"},
	{"TELEMETRY_DB_URL", "telemetry.db_url"},
	{"TELEMETRY_AUTH_TOKEN", "telemetry.auth_token"},
	{"COLLECTOR_ENABLED", "collector.enabled"},
	{"COLLECTOR_INTERVAL", "collector.interval"},
	{"COLLECTOR_TIMEOUT", "collector.sample_timeout"},
	{"COLLECTOR_CONCURRENCY", "collector.concurrency"},
	{"COLLECTOR_ROSTER", "collector.roster_file"},
}

// getEnvSpecs returns the full environment variable mapping.
func getEnvSpecs() []EnvSpec {
	specs := make([]EnvSpec, 0, len(envSuffixes))
	for _, s := range envSuffixes {
		specs = append(specs, EnvSpec{Name: EnvPrefix + s.Name, Path: s.Path})
	}
	return specs
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 64<<20)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.server_timing", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("jobs.dir", "")

	v.SetDefault("blobs.backend", "memory")
	v.SetDefault("blobs.dir", "")
	v.SetDefault("blobs.s3.prefix", "artifacts/")

	v.SetDefault("telemetry.backend", "memory")
	v.SetDefault("telemetry.db_path", "")

	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.interval", "30s")
	v.SetDefault("collector.sample_timeout", "5s")
	v.SetDefault("collector.concurrency", 4)
	v.SetDefault("collector.roster_file", "")
	v.SetDefault("collector.seed", 0)
}

// Load builds the configuration and makes it the current one returned by
// GetConfig. Each override map is nested like the config file and wins over
// every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Blobs.Backend = strings.ToLower(strings.TrimSpace(cfg.Blobs.Backend))
	cfg.Telemetry.Backend = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper) error {
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists per-user config directories, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, AppName))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, AppName)
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
