package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "30s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Interrupts InterruptsConfig `json:"interrupts"`
	Users      []UserConfig     `json:"users"`
	Storage    StorageConfig    `json:"storage"`
	Notifier   NotifierConfig   `json:"notifier"`
	Telegram   TelegramConfig   `json:"telegram"`
	HTTP       HTTPConfig       `json:"http"`
	Pprof      PprofConfig      `json:"pprof"`
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

// InterruptsConfig controls the scheduler loop.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Asia/Kolkata"
//   - tick_interval: "30s"
//   - snooze_cooldown: "60s"
//   - fetch_timeout: "10s"
//   - slots: 09:00, 11:00, 13:00, 15:00, 17:00, 19:00
//   - prompts: built-in reflection prompts
type InterruptsConfig struct {
	Timezone       string         `json:"timezone,omitempty"`
	TickInterval   string         `json:"tick_interval,omitempty"`
	SnoozeCooldown string         `json:"snooze_cooldown,omitempty"`
	FetchTimeout   string         `json:"fetch_timeout,omitempty"`
	Slots          []string       `json:"slots,omitempty"`
	Prompts        []PromptConfig `json:"prompts,omitempty"`
}

type PromptConfig struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// UserConfig names one tracked user. ChatID links the user to a Telegram chat.
type UserConfig struct {
	ID     string `json:"id"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// StorageConfig selects the completion store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ritual.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	Console       bool   `json:"console"`
	Bell          bool   `json:"bell,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}

// PprofConfig enables the profiling listener. A non-loopback addr needs a
// token unless allow_insecure is set.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
