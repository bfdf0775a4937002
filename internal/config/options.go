package config

import (
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	ConfigPath  string `long:"config" env:"BIOMEWATCH_CONFIG" description:"Path to config.toml (accounts, webhooks, tuning)"`
	CatalogPath string `long:"biomes" env:"BIOMEWATCH_BIOMES" description:"Path to a biome catalog YAML (defaults to the built-in catalog)"`
	LogDir      string `long:"log-dir" env:"BIOMEWATCH_LOG_DIR" description:"Directory containing Roblox client logs"`
	WebhookURL  string `long:"webhook" env:"BIOMEWATCH_WEBHOOK" description:"Single webhook destination (in addition to config.toml destinations)"`
	StatsDB     string `long:"stats-db" env:"BIOMEWATCH_STATS_DB" description:"SQLite file for session statistics"`
	Debug       bool   `long:"debug" env:"BIOMEWATCH_DEBUG" description:"Enable verbose debug output"`
}

func ParseOptions(defaultLogDirFn func() string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	if opts.ConfigPath == "" {
		if path, err := DefaultSettingsPath(); err == nil {
			opts.ConfigPath = path
		}
	}
	if opts.LogDir == "" && defaultLogDirFn != nil {
		opts.LogDir = defaultLogDirFn()
	}
	if opts.StatsDB == "" {
		if path, err := DefaultStatsPath(); err == nil {
			opts.StatsDB = path
		}
	}
	return opts, nil
}

func DefaultSettingsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "biomewatch", "config.toml"), nil
}

func DefaultStatsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "biomewatch", "sessions.db"), nil
}

// MergeOptionsWithSettings applies file-sourced values wherever the CLI and
// environment left a field empty.
func MergeOptionsWithSettings(cli Options, saved Settings) Options {
	if strings.TrimSpace(cli.LogDir) == "" {
		cli.LogDir = saved.LogDir
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}
