package config

// Config is the reminderd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Processor ProcessorConfig `json:"processor"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retention RetentionConfig `json:"retention"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Debug     DebugConfig     `json:"debug"`

	// Seed optionally preloads events and participants into the in-memory
	// directory at startup. Read once; changes need a restart.
	Seed string `json:"seed,omitempty"`
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

// ProcessorConfig controls the background delivery loop.
//
// Defaults: interval "30s", error_backoff "5s".
type ProcessorConfig struct {
	Enabled      bool   `json:"enabled"`
	Interval     string `json:"interval,omitempty"`
	ErrorBackoff string `json:"error_backoff,omitempty"`
}

// DispatchConfig bounds and throttles capability calls.
//
// Example:
//
//	"dispatch": { "timeout": "10s", "rate_per_sec": { "email": 5, "sms": 2 } }
type DispatchConfig struct {
	Timeout    string             `json:"timeout,omitempty"`
	RatePerSec map[string]float64 `json:"rate_per_sec,omitempty"`
}

// RetentionConfig schedules the purge of finished notifications.
//
// Defaults: schedule "@daily", days_old 30, timezone local.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	DaysOld  int    `json:"days_old,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the delivery journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/reminderd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ChannelsConfig struct {
	Email    ChannelToggle   `json:"email"`
	SMS      ChannelToggle   `json:"sms"`
	Push     ChannelToggle   `json:"push"`
	Telegram TelegramChannel `json:"telegram"`
}

type ChannelToggle struct {
	Enabled bool `json:"enabled"`
}

type TelegramChannel struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /stats, pprof).
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060", "pprof": true }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
