package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"biomewatch/internal/logging"
)

// Account is one tracked identity. The username is the stable key for all
// state lookup; matching and caching always use the normalized (lower-cased)
// form while the original casing is preserved for outbound messages.
type Account struct {
	Username  string `toml:"username"`
	ServerURL string `toml:"server_url"`
	Active    bool   `toml:"active"`
}

func (a Account) Key() string {
	return strings.ToLower(strings.TrimSpace(a.Username))
}

// Destination is one outbound webhook. An empty account list means the
// destination receives notifications for every account.
type Destination struct {
	URL      string   `toml:"url"`
	Accounts []string `toml:"accounts"`
}

// Tuning holds the detection knobs. Durations are expressed in seconds so the
// file stays hand-editable.
type Tuning struct {
	// JoinKeyword overrides the log marker used to verify which file belongs
	// to which account; empty means the client default.
	JoinKeyword string `toml:"join_keyword"`

	PollFloorSeconds    float64 `toml:"poll_floor_seconds"`
	PollCeilingSeconds  float64 `toml:"poll_ceiling_seconds"`
	CooldownSeconds     float64 `toml:"cooldown_seconds"`
	RareCooldownSeconds float64 `toml:"rare_cooldown_seconds"`
	MaxLogAgeSeconds    float64 `toml:"max_log_age_seconds"`
	MaxWorkers          int     `toml:"max_workers"`
}

type Settings struct {
	LogDir       string        `toml:"log_dir"`
	Debug        bool          `toml:"debug"`
	Accounts     []Account     `toml:"accounts"`
	Destinations []Destination `toml:"webhooks"`
	Tuning       Tuning        `toml:"tuning"`
}

const (
	defaultPollFloor    = 100 * time.Millisecond
	defaultPollCeiling  = 1 * time.Second
	defaultCooldown     = 5 * time.Second
	defaultRareCooldown = 15 * time.Second
	defaultMaxLogAge    = 2 * time.Hour
	defaultMaxWorkers   = 8
)

func (t Tuning) PollFloor() time.Duration    { return secondsOr(t.PollFloorSeconds, defaultPollFloor) }
func (t Tuning) PollCeiling() time.Duration  { return secondsOr(t.PollCeilingSeconds, defaultPollCeiling) }
func (t Tuning) Cooldown() time.Duration     { return secondsOr(t.CooldownSeconds, defaultCooldown) }
func (t Tuning) RareCooldown() time.Duration { return secondsOr(t.RareCooldownSeconds, defaultRareCooldown) }
func (t Tuning) MaxLogAge() time.Duration    { return secondsOr(t.MaxLogAgeSeconds, defaultMaxLogAge) }

func (t Tuning) WorkerCap() int {
	if t.MaxWorkers <= 0 {
		return defaultMaxWorkers
	}
	return t.MaxWorkers
}

func secondsOr(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// LoadSettings parses the TOML settings file. A missing file is not an error:
// the zero Settings value with defaults applies.
func LoadSettings(path string) (Settings, error) {
	settings := Settings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}

// SanitizeAccounts drops unusable entries (empty username, duplicate key)
// with a log line and returns the rest. The system keeps operating on the
// valid remainder.
func SanitizeAccounts(accounts []Account, logger *logging.Logger) []Account {
	out := make([]Account, 0, len(accounts))
	seen := map[string]bool{}
	for _, account := range accounts {
		key := account.Key()
		if key == "" {
			logger.Warn("skipping account with empty username")
			continue
		}
		if seen[key] {
			logger.Warn("skipping duplicate account", logging.Field("username", account.Username))
			continue
		}
		seen[key] = true
		out = append(out, account)
	}
	return out
}

// SanitizeDestinations drops destinations whose URL does not parse as an
// absolute http(s) URL.
func SanitizeDestinations(destinations []Destination, logger *logging.Logger) []Destination {
	out := make([]Destination, 0, len(destinations))
	for _, dest := range destinations {
		trimmed := strings.TrimSpace(dest.URL)
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" || (!strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https")) {
			logger.Warn("skipping webhook with unusable URL", logging.Field("url", dest.URL))
			continue
		}
		dest.URL = trimmed
		out = append(out, dest)
	}
	return out
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.LogDir) == "" {
		return errors.New("log directory is required")
	}
	return nil
}
