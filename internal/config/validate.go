package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks fields every consumer relies on. A missing bot token is
// the common startup failure.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfig)
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("%w: telegram.token is required (or set TELEGRAM_BOT_TOKEN)", ErrConfig)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	d := cfg.Distribution
	if d.Workers < 0 {
		return fmt.Errorf("%w: distribution.workers must be >= 0", ErrConfig)
	}
	if d.RatePerSec < 0 {
		return fmt.Errorf("%w: distribution.rate_per_sec must be >= 0", ErrConfig)
	}
	if _, err := ParseDurationField("distribution.dispatch_timeout", d.DispatchTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrConfig, cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: report.timezone: invalid %q: %w", ErrConfig, tz, err)
		}
	}
	return nil
}
