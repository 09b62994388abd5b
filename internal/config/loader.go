// Package config loads the fanoutd configuration with the precedence
// runtime overrides > environment > config file > defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all fanoutd environment variables.
const EnvPrefix = "FANOUTD"

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds the logging settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// RedisConfig holds the job store connection settings. An empty Addr
// selects the in-memory store (single-process, development only).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SinkConfig selects where terminal job summaries are written.
// Kind is "file" or "s3".
type SinkConfig struct {
	Kind           string `mapstructure:"kind"`
	Dir            string `mapstructure:"dir"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// RunnerConfig holds the tick runner settings.
type RunnerConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// IntakeConfig holds the intake endpoint settings.
type IntakeConfig struct {
	RequireSignature bool `mapstructure:"require_signature"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig holds development-only toggles.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Config is the full fanoutd configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Intake  IntakeConfig  `mapstructure:"intake"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envSpec maps a flat environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs returns the supported environment variable mappings.
// Flat names follow the Workhorse convention (FANOUTD_PORT rather than
// FANOUTD_SERVER_PORT) for the common operational knobs.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_REDIS_ADDR", Path: "redis.addr"},
		{Name: EnvPrefix + "_REDIS_PASSWORD", Path: "redis.password"},
		{Name: EnvPrefix + "_REDIS_DB", Path: "redis.db"},
		{Name: EnvPrefix + "_SINK_KIND", Path: "sink.kind"},
		{Name: EnvPrefix + "_SINK_DIR", Path: "sink.dir"},
		{Name: EnvPrefix + "_SINK_BUCKET", Path: "sink.bucket"},
		{Name: EnvPrefix + "_SINK_PREFIX", Path: "sink.prefix"},
		{Name: EnvPrefix + "_SINK_REGION", Path: "sink.region"},
		{Name: EnvPrefix + "_SINK_ENDPOINT", Path: "sink.endpoint"},
		{Name: EnvPrefix + "_SCAN_INTERVAL", Path: "runner.scan_interval"},
		{Name: EnvPrefix + "_LEASE_TTL", Path: "runner.lease_ttl"},
		{Name: EnvPrefix + "_BATCH_SIZE", Path: "runner.batch_size"},
		{Name: EnvPrefix + "_REQUIRE_SIGNATURE", Path: "intake.require_signature"},
		{Name: EnvPrefix + "_HEALTH_ENABLED", Path: "health.enabled"},
		{Name: EnvPrefix + "_PPROF_ENABLED", Path: "debug.pprof_enabled"},
		{Name: EnvPrefix + "_WORKERS", Path: "workers"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sink.kind", "file")
	v.SetDefault("sink.dir", "./records")
	v.SetDefault("sink.prefix", "fanoutd")
	v.SetDefault("sink.region", "us-east-1")

	v.SetDefault("runner.scan_interval", "1s")
	v.SetDefault("runner.lease_ttl", "1m")
	v.SetDefault("runner.batch_size", 100)

	v.SetDefault("intake.require_signature", true)

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
}

// flattenOverrides turns nested override maps into dotted viper keys.
func flattenOverrides(prefix string, m map[string]any, out map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			flattenOverrides(key, nested, out)
			continue
		}
		out[key] = val
	}
}

// Load builds the configuration and installs it as the process config.
// Runtime overrides win over environment variables, which win over the
// config file named by FANOUTD_CONFIG, which wins over defaults.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	flat := make(map[string]any)
	for _, o := range overrides {
		flattenOverrides("", o, flat)
	}
	for key, val := range flat {
		v.Set(key, val)
	}

	var cfg Config
	decode := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has not run yet.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}
