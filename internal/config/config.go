package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	API     APIConfig     `koanf:"api"`
	Poll    PollConfig    `koanf:"poll"`
	Buffer  BufferConfig  `koanf:"buffer"`
	Persist PersistConfig `koanf:"persist"`
}

type APIConfig struct {
	BaseURL        string `koanf:"base_url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type PollConfig struct {
	IntervalMS    int `koanf:"interval_ms"`
	ReportRetryMS int `koanf:"report_retry_ms"`
}

type BufferConfig struct {
	Capacity int `koanf:"capacity"`
}

type PersistConfig struct {
	Path            string `koanf:"path"`
	WatchIntervalMS int    `koanf:"watch_interval_ms"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c PollConfig) ReportRetry() time.Duration {
	return time.Duration(c.ReportRetryMS) * time.Millisecond
}

func (c PersistConfig) WatchInterval() time.Duration {
	return time.Duration(c.WatchIntervalMS) * time.Millisecond
}

// Load reads config.yaml if present, then lets CASCATA_* environment
// variables override it (double underscore separates nesting levels, e.g.
// CASCATA_API__BASE_URL).
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("CASCATA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CASCATA_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("api.base_url") {
		k.Set("api.base_url", "http://127.0.0.1:8090")
	}
	if !k.Exists("api.timeout_seconds") {
		k.Set("api.timeout_seconds", 30)
	}
	if !k.Exists("poll.interval_ms") {
		k.Set("poll.interval_ms", 1000)
	}
	if !k.Exists("poll.report_retry_ms") {
		k.Set("poll.report_retry_ms", 2000)
	}
	if !k.Exists("buffer.capacity") {
		k.Set("buffer.capacity", 120)
	}
	if !k.Exists("persist.path") {
		k.Set("persist.path", "cascata.db")
	}
	if !k.Exists("persist.watch_interval_ms") {
		k.Set("persist.watch_interval_ms", 500)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
