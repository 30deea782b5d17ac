package report

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"guestcast/internal/stats"
	logx "guestcast/pkg/logx"
)

type fixedStats struct {
	sum stats.Summary
	err error
}

func (f fixedStats) Compute(context.Context) (stats.Summary, error) { return f.sum, f.err }

type recorder struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	ch    chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 16)} }

func (r *recorder) send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.chats = append(r.chats, chatID)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return nil
}

func sampleSummary() stats.Summary {
	return stats.Summary{
		RegisteredCount:  2,
		TotalDistributed: 3,
		Average:          1.5,
		TotalDelivered:   5,
		Guests: []stats.GuestStat{
			{ID: 1, Name: "Alice", Delivered: 3},
			{ID: 2, Delivered: 2},
		},
	}
}

func TestRender(t *testing.T) {
	got := Render("Wedding", sampleSummary())
	for _, want := range []string{"Wedding report", "Guests: 2", "Photos shared: 3", "Photos delivered: 5", "Average photos/guest: 1.5", "• Alice - 3", "• id 2 - 2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Render missing %q:\n%s", want, got)
		}
	}
	if got := Render("", stats.Summary{}); strings.Contains(got, "Top") || !strings.Contains(got, "Event report") {
		t.Fatalf("empty render = %q", got)
	}
}

func TestRunOnceSendsToChat(t *testing.T) {
	rec := newRecorder()
	s := New(Config{ChatID: -100}, fixedStats{sum: sampleSummary()}, rec.send, logx.Nop())
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(rec.sent) != 1 || rec.chats[0] != -100 {
		t.Fatalf("sent=%v chats=%v", rec.sent, rec.chats)
	}
}

func TestRunOncePropagatesStatsError(t *testing.T) {
	rec := newRecorder()
	boom := errors.New("boom")
	s := New(Config{ChatID: 5}, fixedStats{err: boom}, rec.send, logx.Nop())
	if err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(rec.sent) != 0 {
		t.Fatalf("report sent despite error")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"", "@hourly", "@every 30m", "0 */30 * * * *", "*/5 * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", ok, err)
		}
	}
	if err := ValidateSchedule("not a cron"); !errors.Is(err, ErrSchedule) {
		t.Fatalf("err = %v, want ErrSchedule", err)
	}
}

func TestScheduledReportFires(t *testing.T) {
	rec := newRecorder()
	s := New(Config{Schedule: "@every 1s", ChatID: 7}, fixedStats{sum: sampleSummary()}, rec.send, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case <-rec.ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("report did not fire")
	}
}

func TestApplyEnablesAndDisables(t *testing.T) {
	rec := newRecorder()
	s := New(Config{}, fixedStats{}, rec.send, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if s.c != nil {
		t.Fatalf("disabled config scheduled a job")
	}
	if err := s.Apply(Config{Schedule: "@hourly", ChatID: 1}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.c == nil {
		t.Fatalf("enabled config did not schedule")
	}
	if err := s.Apply(Config{Schedule: "bogus", ChatID: 1}); !errors.Is(err, ErrSchedule) {
		t.Fatalf("err = %v, want ErrSchedule", err)
	}
	if err := s.Apply(Config{}); err != nil {
		t.Fatalf("Apply(disable): %v", err)
	}
	if s.c != nil {
		t.Fatalf("job still scheduled after disable")
	}
}
