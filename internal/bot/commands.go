package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"guestcast/internal/distribution"
	"guestcast/internal/storage"
	kit "guestcast/internal/transport"
	logx "guestcast/pkg/logx"
)

type commandSpec struct {
	name        string
	description string
	handler     HandlerFunc
}

func (b *Bot) registerHandlers() {
	b.specs = []commandSpec{
		{name: "start", description: "Register to receive event photos", handler: b.handleStart},
		{name: "guests", description: "View registered guests", handler: b.handleGuests},
		{name: "stats", description: "View event statistics", handler: b.handleStats},
		{name: "help", description: "Show this help message", handler: b.handleHelp},
	}

	cmdMW := []Middleware{
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(b.cfg.CommandTimeout),
	}
	b.commands = make(map[string]HandlerFunc, len(b.specs))
	for _, c := range b.specs {
		b.commands[c.name] = Chain(c.handler, cmdMW...)
	}
	b.fallback = Chain(b.handleFallback, cmdMW...)
	b.photo = Chain(b.handlePhoto,
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(b.cfg.PhotoTimeout),
	)
}

// PublishMenu pushes the command list to the platform when the adapter
// supports it.
func (b *Bot) PublishMenu(ctx context.Context) error {
	mu, ok := b.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return mu.UpdateMenuCommands(ctx, b.Commands())
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	g := storage.Guest{
		ID:        req.From.ID,
		Username:  req.From.Username,
		FirstName: req.From.FirstName,
		LastName:  req.From.LastName,
	}
	// Registering again replaces the record and zeroes the counter.
	prev, existed, err := b.registry.Get(ctx, g.ID)
	if err != nil {
		b.log.Warn("guest lookup failed; registering anyway", logx.Int64("user_id", g.ID), logx.Err(err))
	}
	if err := b.registry.Upsert(ctx, g); err != nil {
		b.log.Error("guest registration failed", logx.Int64("user_id", g.ID), logx.Err(err))
		_ = b.reply(ctx, req, msgRegisterFailed)
		return err
	}
	if existed {
		b.log.Info("guest re-registered; delivered count reset",
			logx.Int64("user_id", g.ID),
			logx.Int64("previous_delivered", prev.Delivered),
			logx.Duration("since_first", time.Since(prev.RegisteredAt)))
	} else {
		b.log.Info("guest registered",
			logx.Int64("user_id", g.ID),
			logx.String("username", g.Username),
			logx.String("name", g.DisplayName()))
	}
	name := g.FirstName
	if name == "" {
		name = g.DisplayName()
	}
	return b.reply(ctx, req, welcomeText(name))
}

func (b *Bot) handlePhoto(ctx context.Context, req *Request) error {
	if want := b.photographer(); want != "" && !strings.EqualFold(want, req.From.Username) {
		b.log.Info("photo rejected; sender is not the photographer",
			logx.Int64("user_id", req.From.ID), logx.String("username", req.From.Username))
		return b.reply(ctx, req, msgNotPhotographer)
	}

	res, err := b.dist.Distribute(ctx, distribution.Submission{
		ContentRef: req.Msg.Photo.FileID,
		SenderID:   req.From.ID,
		Caption:    req.Msg.Caption,
	})
	switch {
	case err != nil:
		if errors.Is(err, distribution.ErrAuditFailed) || errors.Is(err, storage.ErrStorage) {
			_ = b.reply(ctx, req, msgNotRecorded)
		}
		return err
	case res.NoRecipients:
		return b.reply(ctx, req, msgNoGuestsYet)
	default:
		return b.reply(ctx, req, distributedText(res))
	}
}

func (b *Bot) handleGuests(ctx context.Context, req *Request) error {
	guests, err := b.registry.ListAll(ctx)
	if err != nil {
		_ = b.reply(ctx, req, msgStorageUnhealthy)
		return err
	}
	return b.reply(ctx, req, guestsText(guests))
}

func (b *Bot) handleStats(ctx context.Context, req *Request) error {
	s, err := b.stats.Compute(ctx)
	if err != nil {
		_ = b.reply(ctx, req, msgStorageUnhealthy)
		return err
	}
	return b.reply(ctx, req, statsText(s))
}

func (b *Bot) handleHelp(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, helpText(b.specs))
}

func (b *Bot) handleFallback(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, msgFallback)
}
