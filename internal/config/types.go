package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Debug    DebugConfig    `json:"debug,omitempty"`

	Defense   *DefenseConfig   `json:"defense,omitempty"`
	HelpForum *HelpForumConfig `json:"help_forum,omitempty"`
	Watch     *WatchConfig     `json:"watch,omitempty"`

	ModAPI *ModAPIConfig `json:"mod_api,omitempty"`
	ModLog *ModLogConfig `json:"mod_log,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// GuardedChatID is the community group the bot moderates.
	GuardedChatID int64 `json:"guarded_chat_id"`
	// ModChatID receives moderator-facing messages (mod-log, reminders).
	ModChatID int64 `json:"mod_chat_id"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the optional debug HTTP server (metrics + pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DefenseConfig controls the account-age defense subsystem.
//
// All durations are Go duration strings.
type DefenseConfig struct {
	Enabled bool `json:"enabled"`

	// Threshold is the initial minimum account age; runtime changes via
	// /defense are persisted in the store and take precedence after first run.
	Threshold string `json:"threshold,omitempty"`

	// ReminderSpec is a cron spec for the periodic status reminder posted to
	// the mod chat while the defense is active without an expiry.
	// Default: "@hourly".
	ReminderSpec string `json:"reminder_spec,omitempty"`
}

// HelpForumConfig controls idle help-post archival in a Telegram forum group.
type HelpForumConfig struct {
	Enabled bool `json:"enabled"`

	// ForumChatID is the forum ("topics") group holding help posts.
	ForumChatID int64 `json:"forum_chat_id"`

	// IdleTimeout closes a post after this long without activity. Default "30m".
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// WatchConfig controls the user-watch subsystem.
type WatchConfig struct {
	Enabled bool `json:"enabled"`

	// WatchChatID receives relayed messages from watched users.
	WatchChatID int64 `json:"watch_chat_id"`

	// ReviewAfter schedules a per-user review reminder this long after a
	// watch is placed. Default "24h".
	ReviewAfter string `json:"review_after,omitempty"`
}

// ModAPIConfig configures the moderation-record HTTP API client.
type ModAPIConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`

	Timeout    string `json:"timeout,omitempty"`      // per-request, default "10s"
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 5
	RetryMax   int    `json:"retry_max,omitempty"`    // default 3
}

// ModLogConfig controls the async moderator-message pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the pipeline defaults to enabled=true.
type ModLogConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./guardbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
