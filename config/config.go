// Package config loads the router gateway's configuration: defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
//
// Grounded on config/loader.go's builder-pattern Loader (WithConfigPath /
// WithEnvPrefix / WithValidator / Load), narrowed from the teacher's full
// agent-framework config surface (agent, qdrant, llm, telemetry sections)
// down to the knobs the routing core actually has: server, database,
// redis, breaker, affinity, selector, and log.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/telemetry"
)

// Config is the router gateway's full configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Breaker  BreakerConfig  `yaml:"breaker" env:"BREAKER"`
	Affinity AffinityConfig `yaml:"affinity" env:"AFFINITY"`
	Selector SelectorConfig `yaml:"selector" env:"SELECTOR"`
	Log      telemetry.LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig controls the HTTP listener the gateway binary exposes.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig is the durable store's connection settings, grounded on
// config/loader.go's DatabaseConfig (narrowed to the postgres path
// gormstore actually implements).
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN renders a postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig configures the optional health-cache read-through store.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// BreakerConfig is the default circuit breaker tuning (spec.md §3),
// per-upstream overrides are an admin-path concern, not a boot-time one.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	OpenDuration     time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`
	ProbeInterval    time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
}

// ToBreakerConfig converts to breaker.Config.
func (b BreakerConfig) ToBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		OpenDuration:     b.OpenDuration,
		ProbeInterval:    b.ProbeInterval,
	}
}

// AffinityConfig tunes the session affinity store (spec.md §3/§6).
type AffinityConfig struct {
	SlidingTTL      time.Duration `yaml:"sliding_ttl" env:"SLIDING_TTL"`
	MaxTTL          time.Duration `yaml:"max_ttl" env:"MAX_TTL"`
	Capacity        int           `yaml:"capacity" env:"CAPACITY"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// SelectorConfig holds latency-penalty settings for the upstream selector
// (spec.md §4.F). selector.New does not take them: the selector uses its
// own fixed 5-minute latency window, 500 ms penalty denominator, 0.5 ratio
// cap and 0.1 floor, so these fields have no effect on routing.
type SelectorConfig struct {
	LatencyWindow         time.Duration `yaml:"latency_window" env:"LATENCY_WINDOW"`
	LatencyPenaltyCapMs   float64       `yaml:"latency_penalty_cap_ms" env:"LATENCY_PENALTY_CAP_MS"`
	LatencyPenaltyFloor   float64       `yaml:"latency_penalty_floor" env:"LATENCY_PENALTY_FLOOR"`
}

// DefaultConfig returns the gateway's out-of-the-box configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			TTL:          5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
			ProbeInterval:    10 * time.Second,
		},
		Affinity: AffinityConfig{
			SlidingTTL:      5 * time.Minute,
			MaxTTL:          30 * time.Minute,
			Capacity:        10_000,
			CleanupInterval: time.Minute,
		},
		Selector: SelectorConfig{
			LatencyWindow:       5 * time.Minute,
			LatencyPenaltyCapMs: 500,
			LatencyPenaltyFloor: 0.1,
		},
		Log: telemetry.DefaultLogConfig(),
	}
}

// Loader loads a Config from defaults, an optional YAML file, and
// environment variables, in that priority order (config/loader.go's
// builder).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader constructs a Loader with the gateway's default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ROUTER_GATEWAY"}
}

// WithConfigPath sets the YAML file to overlay onto the defaults.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers an additional validation pass run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the final Config: defaults -> YAML file -> environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("config: load from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads from path, panicking on failure (for main()).
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// Validate checks the invariants the gateway cannot safely start without.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be in (0, 65535]")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker.success_threshold must be positive")
	}
	if c.Affinity.Capacity <= 0 {
		errs = append(errs, "affinity.capacity must be positive")
	}
	if c.Affinity.SlidingTTL <= 0 || c.Affinity.MaxTTL <= 0 {
		errs = append(errs, "affinity ttls must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
