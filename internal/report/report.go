// Package report posts a periodic statistics summary to an operator chat.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guestcast/internal/stats"
	logx "guestcast/pkg/logx"
)

// ErrSchedule is returned for cron specs the parser rejects.
var ErrSchedule = errors.New("invalid report schedule")

// Sender delivers a rendered report to a chat.
type Sender func(ctx context.Context, chatID int64, text string) error

// StatsSource computes the numbers a report renders.
type StatsSource interface {
	Compute(ctx context.Context) (stats.Summary, error)
}

type Config struct {
	// Schedule is a cron spec; seconds are optional. Empty disables reports.
	Schedule string
	Timezone string
	ChatID   int64
	// EventName titles the report when set.
	EventName string
	Timeout   time.Duration
}

// Enabled reports whether cfg would schedule anything.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Schedule) != "" && c.ChatID != 0
}

const defaultTimeout = 30 * time.Second

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule parses spec without scheduling it.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSchedule, spec, err)
	}
	return nil
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	base context.Context

	src  StatsSource
	send Sender
	log  logx.Logger
}

func New(cfg Config, src StatsSource, send Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, send: send, log: log}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start schedules the report. A disabled config leaves the service idle
// until Apply enables it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || s.base == nil || !s.cfg.Enabled() {
		return nil
	}
	loc := loadLocation(s.cfg.Timezone)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	ctx := s.base
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("report failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSchedule, s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config and reschedules when the schedule, timezone or
// target changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone && old.Enabled() == cfg.Enabled() {
		return nil
	}
	s.stopLocked(context.Background())
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
	s.base = nil
}

// RunOnce computes a fresh summary and sends it immediately.
func (s *Service) RunOnce(ctx context.Context) error {
	cfg := s.Config()
	if cfg.ChatID == 0 {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sum, err := s.src.Compute(ctx)
	if err != nil {
		return fmt.Errorf("compute stats: %w", err)
	}
	if err := s.send(ctx, cfg.ChatID, Render(cfg.EventName, sum)); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	s.log.Debug("report sent", logx.Int64("chat_id", cfg.ChatID))
	return nil
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
