package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// The starter file spells durations as strings so it stays hand-editable.
type starterFile struct {
	Client starterClient `yaml:"client"`
	Server starterServer `yaml:"server"`
	Log    starterLog    `yaml:"log"`
}

type starterClient struct {
	DBPath         string `yaml:"db_path"`
	Owner          string `yaml:"owner"`
	ServerURL      string `yaml:"server_url"`
	Token          string `yaml:"token"`
	BatchSize      int    `yaml:"batch_size"`
	BackoffBase    string `yaml:"backoff_base"`
	BackoffMax     string `yaml:"backoff_max"`
	MaxAttempts    int    `yaml:"max_attempts"`
	SyncInterval   string `yaml:"sync_interval"`
	ProbeTimeout   string `yaml:"probe_timeout"`
	RequestTimeout string `yaml:"request_timeout"`
	Debounce       string `yaml:"debounce"`
	DashboardPort  int    `yaml:"dashboard_port"`
}

type starterServer struct {
	Addr         string `yaml:"addr"`
	DBDriver     string `yaml:"db_driver"`
	DSN          string `yaml:"dsn"`
	JWTSecret    string `yaml:"jwt_secret"`
	MaxBatch     int    `yaml:"max_batch"`
	MaxClockSkew string `yaml:"max_clock_skew"`
	RequestLogs  bool   `yaml:"request_logs"`
}

// starterLog mirrors LogConfig.
type starterLog struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var sectionComments = map[string]string{
	"client": "Local store and sync driver.",
	"server": "Sync endpoint (rollbook serve). db_driver is sqlite3 or postgres.",
	"log":    "Component logs go to stderr unless file is set; files rotate.",
}

// Marshal renders cfg as a commented YAML document.
func Marshal(cfg *Config) ([]byte, error) {
	c, s, l := cfg.Client, cfg.Server, cfg.Log
	file := starterFile{
		Client: starterClient{
			DBPath:         c.DBPath,
			Owner:          c.Owner,
			ServerURL:      c.ServerURL,
			Token:          c.Token,
			BatchSize:      c.BatchSize,
			BackoffBase:    c.BackoffBase.String(),
			BackoffMax:     c.BackoffMax.String(),
			MaxAttempts:    c.MaxAttempts,
			SyncInterval:   c.SyncInterval.String(),
			ProbeTimeout:   c.ProbeTimeout.String(),
			RequestTimeout: c.RequestTimeout.String(),
			Debounce:       c.Debounce.String(),
			DashboardPort:  c.DashboardPort,
		},
		Server: starterServer{
			Addr:         s.Addr,
			DBDriver:     s.DBDriver,
			DSN:          s.DSN,
			JWTSecret:    s.JWTSecret,
			MaxBatch:     s.MaxBatch,
			MaxClockSkew: s.MaxClockSkew.String(),
			RequestLogs:  s.RequestLogs,
		},
		Log: starterLog(l),
	}

	var doc yaml.Node
	if err := doc.Encode(file); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}
	doc.HeadComment = "rollbook configuration. Every key can be overridden with\nROLLBOOK_<SECTION>_<KEY>, e.g. ROLLBOOK_CLIENT_TOKEN."

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// WriteFile writes cfg to path, creating parent directories. An existing file
// is only replaced when force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold a token or signing secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
