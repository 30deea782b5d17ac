package app

import (
	"fmt"
	"strings"
	"time"

	"guestcast/internal/bot"
	"guestcast/internal/config"
	"guestcast/internal/distribution"
	"guestcast/internal/observability/ops"
	"guestcast/internal/report"
	"guestcast/internal/storage"
	logx "guestcast/pkg/logx"
)

const defaultDBPath = "photo_sharing.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapDistributionConfig(cfg *config.Config) (distribution.Config, error) {
	d := cfg.Distribution
	timeout, err := config.ParseDurationOrDefault("distribution.dispatch_timeout", d.DispatchTimeout, 0)
	if err != nil {
		return distribution.Config{}, err
	}
	return distribution.Config{Workers: d.Workers, RatePerSec: d.RatePerSec, DispatchTimeout: timeout}, nil
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{PhotographerUsername: cfg.Event.PhotographerUsername}
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Schedule:  cfg.Report.Schedule,
		Timezone:  cfg.Report.Timezone,
		ChatID:    cfg.Telegram.LogChatID,
		EventName: cfg.Event.Name,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{Enabled: cfg.Ops.Enabled, Addr: cfg.Ops.Addr, Token: cfg.Ops.Token}
}

// validateConfig runs the checks that need component packages, so a bad
// hot reload is rejected before anything is applied.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDistributionConfig(cfg); err != nil {
		return err
	}
	if err := report.ValidateSchedule(cfg.Report.Schedule); err != nil {
		return fmt.Errorf("%w: report.schedule: %w", config.ErrConfig, err)
	}
	return nil
}

// OpenStore opens the configured database without the bot token check, for
// read-only inspection commands.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}
