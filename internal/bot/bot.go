// Package bot turns transport updates into registry, distribution and
// statistics calls and replies to the sender.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"guestcast/internal/distribution"
	"guestcast/internal/runtime/supervisor"
	"guestcast/internal/stats"
	"guestcast/internal/storage"
	kit "guestcast/internal/transport"
	logx "guestcast/pkg/logx"
)

// Distributor fans a photo out to guests.
type Distributor interface {
	Distribute(ctx context.Context, sub distribution.Submission) (distribution.Result, error)
}

// StatsSource computes event statistics.
type StatsSource interface {
	Compute(ctx context.Context) (stats.Summary, error)
}

type Config struct {
	// PhotographerUsername restricts photo submission; empty allows anyone.
	PhotographerUsername string
	// CommandWorkers and PhotoWorkers size the two handler lanes.
	CommandWorkers int
	PhotoWorkers   int
	CommandTimeout time.Duration
	PhotoTimeout   time.Duration
	// DrainTimeout bounds how long queued and running handlers may finish
	// after DispatchLoop's context ends. Handlers still running then are
	// cancelled.
	DrainTimeout time.Duration
}

const (
	defaultCommandWorkers = 4
	defaultPhotoWorkers   = 2
	defaultCommandTimeout = 15 * time.Second
	defaultPhotoTimeout   = 10 * time.Minute
	defaultDrainTimeout   = 4 * time.Second
	laneQueueSize         = 256
)

type Request struct {
	Update  kit.Update
	Msg     *kit.Message
	Chat    kit.ChatTarget
	From    kit.Sender
	Command string
	Args    []string
}

type Bot struct {
	mu  sync.RWMutex
	cfg Config

	log      logx.Logger
	adapter  kit.Adapter
	registry storage.Registry
	dist     Distributor
	stats    StatsSource

	commands map[string]HandlerFunc
	specs    []commandSpec
	photo    HandlerFunc
	fallback HandlerFunc
}

func New(cfg Config, adapter kit.Adapter, reg storage.Registry, dist Distributor, st StatsSource, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		cfg:      withDefaults(cfg),
		log:      log,
		adapter:  adapter,
		registry: reg,
		dist:     dist,
		stats:    st,
	}
	b.registerHandlers()
	return b
}

func withDefaults(cfg Config) Config {
	cfg.PhotographerUsername = normalizeUsername(cfg.PhotographerUsername)
	if cfg.CommandWorkers <= 0 {
		cfg.CommandWorkers = defaultCommandWorkers
	}
	if cfg.PhotoWorkers <= 0 {
		cfg.PhotoWorkers = defaultPhotoWorkers
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.PhotoTimeout <= 0 {
		cfg.PhotoTimeout = defaultPhotoTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return cfg
}

func normalizeUsername(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

// SetPhotographer changes who may submit photos. Safe during dispatch.
func (b *Bot) SetPhotographer(username string) {
	b.mu.Lock()
	b.cfg.PhotographerUsername = normalizeUsername(username)
	b.mu.Unlock()
}

func (b *Bot) photographer() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.PhotographerUsername
}

// Commands lists the menu entries, for CommandMenuUpdater.
func (b *Bot) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(b.specs))
	for _, c := range b.specs {
		out = append(out, kit.BotCommand{Command: c.name, Description: c.description})
	}
	return out
}

type lanes struct {
	cmd   chan func()
	photo chan func()
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
// Commands and photos run on separate worker lanes so a long fan-out never
// delays a registration. On exit, handlers already accepted keep running
// for up to DrainTimeout, so a fan-out in progress is not cut short.
func (b *Bot) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	l := lanes{cmd: make(chan func(), laneQueueSize), photo: make(chan func(), laneQueueSize)}
	sup := supervisor.New(jobCtx, supervisor.WithLogger(b.log))
	b.startLane(sup, "command", b.cfg.CommandWorkers, l.cmd)
	b.startLane(sup, "photo", b.cfg.PhotoWorkers, l.photo)
	b.log.Info("dispatcher started",
		logx.Int("command_workers", b.cfg.CommandWorkers),
		logx.Int("photo_workers", b.cfg.PhotoWorkers))

	defer func() {
		close(l.cmd)
		close(l.photo)
		b.drain(sup, cancelJobs)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(jobCtx, l, up)
		}
	}
}

// drain waits for the lanes to empty, then cancels whatever is left.
func (b *Bot) drain(sup *supervisor.Supervisor, cancelJobs context.CancelFunc) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	err := sup.Wait(wctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		b.log.Warn("dispatcher drain timed out; cancelling running handlers",
			logx.Duration("drain_timeout", b.cfg.DrainTimeout))
		cancelJobs()
		wctx, cancel = context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	sup.Cancel()
	b.log.Info("dispatcher stopped", logx.Duration("drain", time.Since(start)))
}

// startLane runs workers until jobs is closed and empty.
func (b *Bot) startLane(sup *supervisor.Supervisor, lane string, workers int, jobs <-chan func()) {
	for i := 0; i < workers; i++ {
		sup.GoRestart(lane+".worker."+strconv.Itoa(i), func(context.Context) error {
			for job := range jobs {
				job()
			}
			return nil
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
}

func (b *Bot) route(ctx context.Context, l lanes, up kit.Update) {
	m := up.Message
	if m == nil {
		return
	}
	req := &Request{Update: up, Msg: m, Chat: kit.ChatTarget{ChatID: m.ChatID}, From: m.From}

	if up.Kind == kit.UpdatePhoto && m.Photo != nil {
		req.Command = "photo"
		b.enqueue(ctx, l.photo, "photo", req, b.photo)
		return
	}

	name, args, ok := parseCommand(m.Text)
	if !ok {
		b.enqueue(ctx, l.cmd, "command", req, b.fallback)
		return
	}
	h, found := b.commands[name]
	if !found {
		// Unknown commands get no reply; only plain text gets the hint.
		b.log.Debug("unknown command ignored", logx.String("cmd", name), logx.Int64("from_id", req.From.ID))
		return
	}
	req.Command = name
	req.Args = args
	b.enqueue(ctx, l.cmd, "command", req, h)
}

func (b *Bot) enqueue(ctx context.Context, lane chan<- func(), laneName string, req *Request, h HandlerFunc) {
	job := func() { _ = h(ctx, req) }
	select {
	case lane <- job:
	default:
		b.log.Warn("handler queue full; dropping update",
			logx.String("lane", laneName), logx.Int64("from_id", req.From.ID), logx.Int("queue_cap", cap(lane)))
	}
}

// parseCommand splits "/guests@MyBot arg" into ("guests", ["arg"]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) error {
	_, err := b.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}
