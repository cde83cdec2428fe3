package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.comtalk/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Remote         Remote  `toml:"remote"`
	Metrics        Metrics `toml:"metrics"`
	Roster         Roster  `toml:"roster"`
	Voice          Voice   `toml:"voice"`
}

// Remote holds document store connection settings. Offline switches the
// core onto the in-memory store, for development and tests.
type Remote struct {
	URL            string `toml:"url"`
	Namespace      string `toml:"namespace"`
	Database       string `toml:"database"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	Offline        bool   `toml:"offline"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

// Metrics holds the scrape endpoint address; empty disables it.
type Metrics struct {
	ListenAddr string `toml:"listen_addr"`
}

// Roster holds roster edge-behavior policies.
type Roster struct {
	// CreatePlaceholder enables synthesizing a diagnostic group when every
	// membership lookup strategy comes back empty.
	CreatePlaceholder bool `toml:"create_placeholder"`
}

// Voice overrides capture limits; zero values keep the defaults
// (30 s ceiling, 1 s minimum).
type Voice struct {
	MaxSeconds int `toml:"max_seconds"`
	MinSeconds int `toml:"min_seconds"`
}

// Load reads config from the given path. Returns zero config and error if
// the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
