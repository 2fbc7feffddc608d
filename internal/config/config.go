package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted by backend.kind.
const (
	// BackendSimulator draws random verdicts locally after configurable delays.
	BackendSimulator = "simulator"
	// BackendGRPC calls a remote inference service.
	BackendGRPC = "grpc"
)

// Config is the full service configuration.
type Config struct {
	LogLevel          string `yaml:"log_level"`
	KnowledgeBasePath string `yaml:"knowledge_base_path"`

	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Backend  BackendConfig  `yaml:"backend"`
}

// HTTPConfig configures the API listener and upload limit.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer token verification. JWTSecret is required.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTAudience string        `yaml:"jwt_audience"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	Leeway      time.Duration `yaml:"leeway"`
}

// DatabaseConfig configures the postgres connection pool for classification history.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the result cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BackendConfig selects and tunes the inference backend.
type BackendConfig struct {
	Kind             string          `yaml:"kind"`
	LoadTimeout      time.Duration   `yaml:"load_timeout"`
	InferenceTimeout time.Duration   `yaml:"inference_timeout"`
	Simulator        SimulatorConfig `yaml:"simulator"`
	GRPC             GRPCConfig      `yaml:"grpc"`
}

// SimulatorConfig tunes the simulated backend. A zero Seed seeds from the clock.
type SimulatorConfig struct {
	LoadDelay      time.Duration `yaml:"load_delay"`
	InferenceDelay time.Duration `yaml:"inference_delay"`
	Seed           uint64        `yaml:"seed"`
}

// GRPCConfig locates the remote inference service.
type GRPCConfig struct {
	Addr          string        `yaml:"addr"`
	HealthService string        `yaml:"health_service"`
	Method        string        `yaml:"method"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "host=postgres user=postgres password=postgres dbname=oralcheck port=5432 sslmode=disable",
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "redis:6379",
			KeyPrefix: "oralcheck:",
		},
		Backend: BackendConfig{
			Kind:             BackendSimulator,
			LoadTimeout:      30 * time.Second,
			InferenceTimeout: 10 * time.Second,
			Simulator: SimulatorConfig{
				LoadDelay:      2 * time.Second,
				InferenceDelay: 3 * time.Second,
			},
			GRPC: GRPCConfig{
				Addr:        "inference:50051",
				DialTimeout: 5 * time.Second,
			},
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Path returns the config file location from CONFIG_PATH, defaulting to config.yaml.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case BackendSimulator:
	case BackendGRPC:
		if strings.TrimSpace(c.Backend.GRPC.Addr) == "" {
			errs = append(errs, errors.New("backend.grpc.addr is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q is not one of %s, %s", c.Backend.Kind, BackendSimulator, BackendGRPC))
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	if c.Backend.InferenceTimeout < 0 || c.Backend.LoadTimeout < 0 {
		errs = append(errs, errors.New("backend timeouts must not be negative"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.KnowledgeBasePath, "KNOWLEDGE_BASE_PATH")
	envOverride(&cfg.HTTP.Addr, "HTTP_ADDR")
	envOverride(&cfg.Auth.JWTSecret, "JWT_SECRET")
	envOverride(&cfg.Auth.JWTAudience, "JWT_AUDIENCE")
	envOverride(&cfg.Auth.JWTIssuer, "JWT_ISSUER")
	envOverride(&cfg.Database.DSN, "DATABASE_DSN")
	envOverride(&cfg.Redis.Addr, "REDIS_ADDR")
	envOverride(&cfg.Redis.Password, "REDIS_PASSWORD")
	envOverride(&cfg.Backend.Kind, "BACKEND_KIND")
	envOverride(&cfg.Backend.GRPC.Addr, "INFERENCE_ADDR")

	var errs []error
	errs = append(errs, envOverrideInt64(&cfg.HTTP.MaxUploadBytes, "MAX_UPLOAD_BYTES"))
	errs = append(errs, envOverrideDuration(&cfg.Backend.LoadTimeout, "BACKEND_LOAD_TIMEOUT"))
	errs = append(errs, envOverrideDuration(&cfg.Backend.InferenceTimeout, "BACKEND_INFERENCE_TIMEOUT"))
	errs = append(errs, envOverrideDuration(&cfg.Backend.Simulator.LoadDelay, "SIMULATOR_LOAD_DELAY"))
	errs = append(errs, envOverrideDuration(&cfg.Backend.Simulator.InferenceDelay, "SIMULATOR_INFERENCE_DELAY"))
	return errors.Join(errs...)
}

func envOverride(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envOverrideInt64(dst *int64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envOverrideDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
