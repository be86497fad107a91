// Package config loads rollbook settings from defaults, an optional YAML file,
// an optional .env file and ROLLBOOK_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: client.server_url is read
// from ROLLBOOK_CLIENT_SERVER_URL.
const EnvPrefix = "ROLLBOOK"

// Config is the full set of settings.
type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// ClientConfig drives the local store and the sync driver.
type ClientConfig struct {
	DBPath         string        `mapstructure:"db_path"`
	Owner          string        `mapstructure:"owner"`
	ServerURL      string        `mapstructure:"server_url"`
	Token          string        `mapstructure:"token"`
	BatchSize      int           `mapstructure:"batch_size"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Debounce       time.Duration `mapstructure:"debounce"`

	// DashboardPort serves sync events over websocket from the daemon.
	// Zero disables it.
	DashboardPort int `mapstructure:"dashboard_port"`
}

// ServerConfig drives the sync endpoint.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	DBDriver     string        `mapstructure:"db_driver"`
	DSN          string        `mapstructure:"dsn"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
	RequestLogs  bool          `mapstructure:"request_logs"`
}

// LogConfig selects where component loggers write.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// defaults lists every key. Keys must be registered for environment
// overrides to reach Unmarshal.
var defaults = map[string]interface{}{
	"client.db_path":         "~/.rollbook/rollbook.db",
	"client.owner":           "",
	"client.server_url":      "http://localhost:8080",
	"client.token":           "",
	"client.batch_size":      50,
	"client.backoff_base":    time.Second,
	"client.backoff_max":     60 * time.Second,
	"client.max_attempts":    10,
	"client.sync_interval":   30 * time.Second,
	"client.probe_timeout":   3 * time.Second,
	"client.request_timeout": 15 * time.Second,
	"client.debounce":        500 * time.Millisecond,
	"client.dashboard_port":  0,

	"server.addr":           ":8080",
	"server.db_driver":      "sqlite3",
	"server.dsn":            "rollbook-server.db",
	"server.jwt_secret":     "",
	"server.max_batch":      200,
	"server.max_clock_skew": time.Duration(0),
	"server.request_logs":   true,

	"log.file":         "",
	"log.max_size_mb":  50,
	"log.max_backups":  3,
	"log.max_age_days": 28,
	"log.compress":     false,
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Options controls Load.
type Options struct {
	// File is an explicit config file. Empty searches ./rollbook.yaml and
	// $HOME/.config/rollbook/rollbook.yaml.
	File string

	// DotEnv is a .env file to load into the environment before reading
	// overrides. Empty tries ./.env. Variables already set are kept.
	DotEnv string
}

// Load reads the configuration into v and decodes it.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("rollbook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := configDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	path, err := ExpandHome(cfg.Client.DBPath)
	if err != nil {
		return nil, err
	}
	cfg.Client.DBPath = path
	return &cfg, nil
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// configDir is $HOME/.config/rollbook.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rollbook"), nil
}

// DefaultFile is where `config init` writes when no path is given.
func DefaultFile() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(dir, "rollbook.yaml"), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Defaults returns the configuration with nothing but defaults applied.
func Defaults() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
