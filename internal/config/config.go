package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// BotToken is the chat platform bot token. Required.
	BotToken string `yaml:"bot_token"`

	DBPath             string `yaml:"db_path"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`

	// DefaultEmoji is the secret emoji used by chats that never set one.
	DefaultEmoji string `yaml:"default_emoji"`

	DailyBoostLimit  int `yaml:"daily_boost_limit"`
	BacklinkTTLHours int `yaml:"backlink_ttl_hours"`

	// RecomputeClaimantOnRelease promotes the newest remaining claimant into
	// the task's displayed-claimant fields when someone releases. Off by
	// default: the displayed name then stays stale until the next claim,
	// matching the ledger-is-authoritative contract.
	RecomputeClaimantOnRelease bool `yaml:"recompute_claimant_on_release"`

	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		PollTimeoutSeconds: 60,
		DefaultEmoji:       "\U0001FA90", // ringed planet
		DailyBoostLimit:    10,
		BacklinkTTLHours:   24,
		LogLevel:           "info",
	}
}

// Load builds the effective config: defaults, then the yaml file at path
// (skipped when missing), then environment overrides. The bot token is the
// only required value.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No config file is fine; env vars can carry everything.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.BotToken == "" {
		return Config{}, errors.New("bot token is required (BOT_TOKEN or bot_token)")
	}
	if cfg.DailyBoostLimit <= 0 {
		cfg.DailyBoostLimit = 10
	}
	if cfg.BacklinkTTLHours <= 0 {
		cfg.BacklinkTTLHours = 24
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("BOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BOT_POLL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollTimeoutSeconds = n
		}
	}
	if v := os.Getenv("BOT_DEFAULT_EMOJI"); v != "" {
		cfg.DefaultEmoji = v
	}
	if v := os.Getenv("BOT_DAILY_BOOST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DailyBoostLimit = n
		}
	}
	if v := os.Getenv("BOT_BACKLINK_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BacklinkTTLHours = n
		}
	}
	if v := os.Getenv("BOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// SlogLevel maps the configured level string onto slog levels, defaulting
// to Info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
