package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Fleet     FleetConfig     `json:"fleet"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Nickname  NicknameConfig  `json:"nickname"`
	Shard     ShardConfig     `json:"shard"`
	Metrics   MetricsConfig   `json:"metrics"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// LogChannelID receives mirrored log lines when logging.mirror is enabled.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Mirror  LoggingMirror `json:"mirror"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingMirror struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the directory store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tzbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://tzbot@localhost/tzbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	RoleCoordinator = "coordinator"
	RoleShard       = "shard"
)

// FleetConfig describes where this process sits among the shards.
//
// A coordinator runs the scheduler and fans out to its local shards plus
// every peer. A shard process only serves fleet requests for the gateway
// shards it hosts.
type FleetConfig struct {
	Role       string `json:"role"`
	ShardCount int    `json:"shard_count"`
	// ShardIDs are the gateway shards hosted by this process.
	ShardIDs []int `json:"shard_ids"`
	// Listen is the fleet RPC address, e.g. "127.0.0.1:7420". Empty disables the server.
	Listen string `json:"listen,omitempty"`
	// Peers are base URLs of other shard processes.
	Peers []string `json:"peers,omitempty"`
	Token string   `json:"token,omitempty"` // bearer token (do not log)

	FanoutTimeout  string `json:"fanout_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression or interval; default "0 * * * *".
	Spec         string `json:"spec,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	AllowOverlap bool   `json:"allow_overlap,omitempty"`
	SweepTimeout string `json:"sweep_timeout,omitempty"`
}

type NicknameConfig struct {
	MaxLength int `json:"max_length,omitempty"`
	// PinnedUserID always gets the "(UTC+Del)" marker instead of an offset.
	// Empty disables the rule.
	PinnedUserID string `json:"pinned_user_id,omitempty"`
}

type ShardConfig struct {
	EditRatePerSec float64 `json:"edit_rate_per_sec,omitempty"`
	EditBurst      int     `json:"edit_burst,omitempty"`
	// EventBuffer is the gateway member-update queue size.
	EventBuffer int `json:"event_buffer,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// PprofConfig mounts /debug/pprof on the fleet router.
type PprofConfig struct {
	Enabled bool `json:"enabled"`
}
