package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultSpec           = "0 * * * *"
	DefaultFanoutTimeout  = 30 * time.Second
	DefaultRequestTimeout = 20 * time.Second
	DefaultMaxLength      = 32
	MinMaxLength          = 12 // len(" (UTC+12.75)")
	DefaultMetricsPath    = "/metrics"
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Mirror.MinLevel == "" {
		c.Logging.Mirror.MinLevel = "warn"
	}
	if c.Logging.Mirror.RatePerSec <= 0 {
		c.Logging.Mirror.RatePerSec = 1
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/tzbot.db"
	}
	if strings.TrimSpace(c.Fleet.Role) == "" {
		c.Fleet.Role = RoleCoordinator
	}
	if c.Fleet.ShardCount <= 0 {
		c.Fleet.ShardCount = 1
	}
	if c.Fleet.ShardIDs == nil && c.Fleet.ShardCount == 1 {
		c.Fleet.ShardIDs = []int{0}
	}
	if strings.TrimSpace(c.Scheduler.Spec) == "" {
		c.Scheduler.Spec = DefaultSpec
	}
	if strings.TrimSpace(c.Scheduler.Timezone) == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Nickname.MaxLength <= 0 {
		c.Nickname.MaxLength = DefaultMaxLength
	}
	if c.Shard.EditBurst <= 0 {
		c.Shard.EditBurst = 5
	}
	if c.Shard.EventBuffer <= 0 {
		c.Shard.EventBuffer = 256
	}
	if strings.TrimSpace(c.Metrics.Path) == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks everything a running bot depends on. Errors are joined so
// one reload reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn: required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	switch c.Fleet.Role {
	case RoleCoordinator, RoleShard:
	default:
		add("fleet.role: must be %q or %q", RoleCoordinator, RoleShard)
	}
	seen := map[int]bool{}
	for _, id := range c.Fleet.ShardIDs {
		if id < 0 || id >= c.Fleet.ShardCount {
			add("fleet.shard_ids: %d out of range [0,%d)", id, c.Fleet.ShardCount)
		}
		if seen[id] {
			add("fleet.shard_ids: %d listed twice", id)
		}
		seen[id] = true
	}
	if len(c.Fleet.ShardIDs) > 0 && strings.TrimSpace(c.Discord.Token) == "" {
		add("discord.token: required to host shards")
	}
	if c.Fleet.Role == RoleShard && strings.TrimSpace(c.Fleet.Listen) == "" {
		add("fleet.listen: required for role %q", RoleShard)
	}
	if (c.Fleet.Listen != "" || len(c.Fleet.Peers) > 0) && strings.TrimSpace(c.Fleet.Token) == "" {
		add("fleet.token: required when fleet.listen or fleet.peers is set")
	}
	for _, p := range c.Fleet.Peers {
		if u, err := url.Parse(p); err != nil || u.Scheme == "" || u.Host == "" {
			add("fleet.peers: invalid url %q", p)
		}
	}
	for path, raw := range map[string]string{
		"fleet.fanout_timeout":    c.Fleet.FanoutTimeout,
		"fleet.request_timeout":   c.Fleet.RequestTimeout,
		"scheduler.sweep_timeout": c.Scheduler.SweepTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		add("scheduler.timezone: %v", err)
	}
	if c.Nickname.MaxLength > DefaultMaxLength || c.Nickname.MaxLength < MinMaxLength {
		add("nickname.max_length: must be between %d and %d", MinMaxLength, DefaultMaxLength)
	}
	if c.Shard.EditRatePerSec < 0 {
		add("shard.edit_rate_per_sec: must be >= 0")
	}
	if c.Logging.Mirror.Enabled && strings.TrimSpace(c.Discord.LogChannelID) == "" {
		add("discord.log_channel_id: required when logging.mirror is enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path: must start with /")
	}
	return errors.Join(errs...)
}

// ParseDurationField parses a Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
