package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// SESSIONPOOL_DATABASE_HOST=db.internal.
const EnvPrefix = "SESSIONPOOL"

// Config represents the sessionpoold configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SESSIONPOOL_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Database selects the driver and the server every session connects to
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Pool controls session reclamation
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Server contains the HTTP listener configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics controls the Prometheus /metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// DatabaseConfig describes the database sessions attach to.
type DatabaseConfig struct {
	// Driver selects the implementation:
	//   pgx      PostgreSQL through jackc/pgx
	//   postgres PostgreSQL through database/sql and lib/pq
	//   sqlite   SQLite through database/sql and modernc.org/sqlite
	Driver string `mapstructure:"driver" validate:"required,oneof=pgx postgres sqlite" yaml:"driver"`

	Host     string `mapstructure:"host" validate:"required_unless=Driver sqlite" yaml:"host,omitempty"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port,omitempty"`
	Database string `mapstructure:"database" validate:"required_unless=Driver sqlite" yaml:"database,omitempty"`
	User     string `mapstructure:"user" yaml:"user,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full" yaml:"sslmode,omitempty"`

	// Path is the SQLite database file
	Path string `mapstructure:"path" validate:"required_if=Driver sqlite" yaml:"path,omitempty"`

	// MaxConns bounds the shared pool write transactions run on
	// Default: 25
	MaxConns int `mapstructure:"max_conns" validate:"omitempty,min=1" yaml:"max_conns"`

	// NoWaitLockTimeout is how long a no-wait transaction waits on a row
	// lock before failing with a lock conflict (PostgreSQL only)
	// Default: 1ms
	NoWaitLockTimeout time.Duration `mapstructure:"nowait_lock_timeout" yaml:"nowait_lock_timeout"`
}

// DSN renders the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// PoolConfig controls the idle reaper.
type PoolConfig struct {
	// IdleTimeout is how long an unreferenced session keeps its connection
	// Default: 10m
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0" yaml:"idle_timeout"`

	// SweepInterval is the reaper period
	// Default: same as IdleTimeout
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0" yaml:"sweep_interval"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Port is the HTTP listen port
	// Default: 8080
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// SessionCookie is the cookie carrying the session id
	// Default: "sessionpool_id"
	SessionCookie string `mapstructure:"session_cookie" validate:"required" yaml:"session_cookie"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
// A missing file is not an error: defaults and environment overrides apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	registerDefaults(v, GetDefaultConfig())

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold the database password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tag constraints on cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: SESSIONPOOL_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerDefaults seeds viper with every key so that environment variables
// override settings absent from the file. Unmarshal only consults the
// environment for keys viper already knows.
func registerDefaults(v *viper.Viper, cfg *Config) {
	var m map[string]any
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return
	}
	for key, value := range flatten("", m) {
		v.SetDefault(key, value)
	}
}

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
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.Struct {
			var nested map[string]any
			if err := mapstructure.Decode(val, &nested); err == nil {
				for nk, nv := range flatten(key, nested) {
					out[nk] = nv
				}
				continue
			}
		}
		out[key] = val
	}
	return out
}

// readConfigFile reports whether a configuration file was read.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" and raw integer
// nanoseconds to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// GetConfigDir returns $XDG_CONFIG_HOME/sessionpool, falling back to
// ~/.config/sessionpool and then the current directory.
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sessionpool")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sessionpool")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}
