// Package config handles loading, parsing, and validating the YAML
// configuration file for komebyu, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StreamConfig holds the fixed per-broadcast defaults sent in the
// startWatching request.
type StreamConfig struct {
	Quality   string `yaml:"quality"`
	Protocol  string `yaml:"protocol"`
	Latency   string `yaml:"latency"`
	ChasePlay bool   `yaml:"chase_play"`
}

// RoomConfig holds the room options of the startWatching request. The
// commentable flag is fixed by the protocol and not configurable.
type RoomConfig struct {
	Protocol string `yaml:"protocol"`
}

// TwitchConfig holds options for the Twitch chat adapter.
type TwitchConfig struct {
	// Username is used for anonymous IRC login when set; the adapter
	// falls back to the library's anonymous account otherwise.
	Username string `yaml:"username"`
}

// Config is the komebyu application configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level"`
	LogDir    string       `yaml:"log_dir"`
	UserAgent string       `yaml:"user_agent"`
	Stream    StreamConfig `yaml:"stream"`
	Room      RoomConfig   `yaml:"room"`
	Twitch    TwitchConfig `yaml:"twitch"`
}

// Load reads a YAML config file and overlays environment variables.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.Stream.Quality == "" {
		cfg.Stream.Quality = "abr"
	}
	if cfg.Stream.Protocol == "" {
		cfg.Stream.Protocol = "hls+fmp4"
	}
	if cfg.Stream.Latency == "" {
		cfg.Stream.Latency = "low"
	}
	if cfg.Room.Protocol == "" {
		cfg.Room.Protocol = "webSocket"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KOMEBYU_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KOMEBYU_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("KOMEBYU_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("KOMEBYU_TWITCH_USERNAME"); v != "" {
		cfg.Twitch.Username = v
	}
}

func validate(cfg *Config) error {
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}

	switch cfg.Stream.Latency {
	case "low", "high":
	default:
		return fmt.Errorf("invalid stream latency %q (want low or high)", cfg.Stream.Latency)
	}

	return nil
}
