package config

import (
	"slices"
	"sort"
	"strings"

	logx "tzbot/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Attrs are log fields describing the new values. Secrets are reduced to
	// "set" flags.
	Attrs []logx.Field
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// hot lists sections applied without a restart.
var hot = map[string]bool{"logging": true, "scheduler": true, "shard": true}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if !hot[section] {
			ch.Restart = append(ch.Restart, section)
		}
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	o, n := oldCfg.Discord, newCfg.Discord
	if o.Token != n.Token || o.LogChannelID != n.LogChannelID {
		mark("discord",
			logx.Bool("discord.token_set", set(n.Token)),
			logx.Bool("discord.log_channel_set", set(n.LogChannelID)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.mirror_enabled", l.Mirror.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		mark("storage",
			logx.String("storage.driver", s.Driver),
			logx.Bool("storage.path_set", set(s.Path)),
			logx.Bool("storage.dsn_set", set(s.DSN)),
		)
	}

	of, nf := oldCfg.Fleet, newCfg.Fleet
	if of.Role != nf.Role || of.ShardCount != nf.ShardCount || !slices.Equal(of.ShardIDs, nf.ShardIDs) ||
		of.Listen != nf.Listen || !slices.Equal(of.Peers, nf.Peers) || of.Token != nf.Token ||
		of.FanoutTimeout != nf.FanoutTimeout || of.RequestTimeout != nf.RequestTimeout {
		mark("fleet",
			logx.String("fleet.role", nf.Role),
			logx.Int("fleet.shard_count", nf.ShardCount),
			logx.Any("fleet.shard_ids", nf.ShardIDs),
			logx.String("fleet.listen", nf.Listen),
			logx.Int("fleet.peers", len(nf.Peers)),
			logx.Bool("fleet.token_set", set(nf.Token)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		mark("scheduler",
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.spec", s.Spec),
			logx.String("scheduler.timezone", s.Timezone),
			logx.Bool("scheduler.allow_overlap", s.AllowOverlap),
		)
	}

	if oldCfg.Nickname != newCfg.Nickname {
		mark("nickname",
			logx.Int("nickname.max_length", newCfg.Nickname.MaxLength),
			logx.Bool("nickname.pinned_set", set(newCfg.Nickname.PinnedUserID)),
		)
	}

	if oldCfg.Shard != newCfg.Shard {
		s := newCfg.Shard
		mark("shard",
			logx.Any("shard.edit_rate_per_sec", s.EditRatePerSec),
			logx.Int("shard.edit_burst", s.EditBurst),
			logx.Int("shard.event_buffer", s.EventBuffer),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics", logx.Bool("metrics.enabled", newCfg.Metrics.Enabled), logx.String("metrics.path", newCfg.Metrics.Path))
	}
	if oldCfg.Pprof != newCfg.Pprof {
		mark("pprof", logx.Bool("pprof.enabled", newCfg.Pprof.Enabled))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
