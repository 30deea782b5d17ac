package config

import "errors"

// ErrConfig marks configuration problems that stop the bot from starting.
var ErrConfig = errors.New("invalid configuration")

// Config is the on-disk configuration (JSON or YAML). Selected fields can
// also be set from the environment; environment wins over the file.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Event        EventConfig        `json:"event"`
	Distribution DistributionConfig `json:"distribution"`
	Storage      StorageConfig      `json:"storage"`
	Logging      LoggingConfig      `json:"logging"`
	Report       ReportConfig       `json:"report"`
	Ops          OpsConfig          `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChatID receives WARN+ log lines and scheduled reports (0 = off).
	LogChatID int64 `json:"log_chat_id,omitempty" env:"GUESTCAST_LOG_CHAT_ID"`
}

type EventConfig struct {
	Name string `json:"name,omitempty"`
	// PhotographerUsername restricts who may submit photos. Empty accepts
	// photos from anyone.
	PhotographerUsername string `json:"photographer_username,omitempty" env:"PHOTOGRAPHER_USERNAME"`
}

// DistributionConfig tunes the fan-out.
//
// Defaults: workers 8, rate_per_sec 25, dispatch_timeout "15s".
type DistributionConfig struct {
	Workers         int    `json:"workers,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./photo_sharing.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty" env:"DB_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty" env:"GUESTCAST_LOG_LEVEL"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ReportConfig schedules a periodic stats summary to Telegram.LogChatID.
//
// Schedule is a cron spec with optional seconds field, e.g. "0 */30 * * * *"
// or "@hourly". Empty disables the report.
type ReportConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig enables the operator HTTP endpoint (/healthz, /stats, pprof).
// Binding beyond loopback requires Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty" env:"GUESTCAST_OPS_TOKEN"`
}
