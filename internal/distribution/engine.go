package distribution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"guestcast/internal/storage"
	logx "guestcast/pkg/logx"
)

const incrementTimeout = 5 * time.Second

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	reg        storage.Registry
	audit      storage.AuditLog
	dispatcher Dispatcher
	log        logx.Logger
}

func New(cfg Config, reg storage.Registry, audit storage.AuditLog, d Dispatcher, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		reg:        reg,
		audit:      audit,
		dispatcher: d,
		log:        log,
	}
}

// Apply swaps tuning knobs. Distributions already running keep the values
// they started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.RatePerSec != e.cfg.RatePerSec {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.cfg = cfg
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Distribute records sub in the audit log and sends it to every registered
// guest except the sender. It returns an error only when the distribution
// could not start: ErrAuditFailed if recording failed, or a storage error
// if the guest list could not be read. Per-guest failures are counted in
// the Result.
func (e *Engine) Distribute(ctx context.Context, sub Submission) (Result, error) {
	start := time.Now()
	res := Result{ID: uuid.NewString()}
	log := e.log.With(logx.String("distribution", res.ID), logx.Int64("sender", sub.SenderID))

	seq, err := e.audit.Append(ctx, storage.PhotoRecord{
		FileID:      sub.ContentRef,
		SenderID:    sub.SenderID,
		SubmittedAt: start,
		Caption:     sub.Caption,
	})
	if err != nil {
		log.Error("audit append failed; distribution aborted", logx.Err(err))
		return res, fmt.Errorf("%w: %w", ErrAuditFailed, err)
	}
	res.Seq = seq
	log = log.With(logx.Int64("seq", seq))

	guests, err := e.reg.ListAll(ctx)
	if err != nil {
		log.Error("recipient snapshot failed", logx.Err(err))
		return res, fmt.Errorf("list recipients: %w", err)
	}
	if len(guests) == 0 {
		res.NoRecipients = true
		res.Took = time.Since(start)
		log.Info("photo recorded; no guests registered")
		return res, nil
	}

	targets := make([]int64, 0, len(guests))
	for _, g := range guests {
		if g.ID == sub.SenderID {
			continue
		}
		targets = append(targets, g.ID)
	}
	res.Eligible = len(targets)

	cfg, lim := e.snapshot()
	log.Debug("distribution started", logx.Int("eligible", len(targets)), logx.Int("workers", cfg.Workers))

	var (
		delivered atomic.Int64
		failed    atomic.Int64
		failMu    sync.Mutex
	)
	// A plain Group: one failed dispatch must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, id := range targets {
		g.Go(func() error {
			if err := e.dispatchOne(ctx, lim, cfg.DispatchTimeout, id, sub); err != nil {
				failed.Add(1)
				log.Warn("dispatch failed", logx.Int64("recipient", id), logx.Err(err))
				failMu.Lock()
				if len(res.Failures) < maxFailuresKept {
					res.Failures = append(res.Failures, Failure{RecipientID: id, Reason: err.Error()})
				}
				failMu.Unlock()
				return nil
			}
			delivered.Add(1)
			e.recordDelivery(ctx, log, id)
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	res.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("eligible", res.Eligible),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took),
	}
	if res.Failed > 0 {
		log.Warn("distribution finished with failures", fields...)
	} else {
		log.Info("distribution finished", fields...)
	}
	return res, nil
}

func (e *Engine) dispatchOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, id int64, sub Submission) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The transport may not honor dctx; run it aside so the pool slot is
	// released at the deadline either way.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("panic in dispatch", logx.Int64("recipient", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- e.dispatcher.Dispatch(dctx, id, sub.ContentRef, sub.Caption)
	}()

	var err error
	select {
	case err = <-done:
	case <-dctx.Done():
		err = dctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("dispatch timed out after %s: %w", timeout, err)
	}
	return err
}

// recordDelivery bumps the counter even if ctx was cancelled mid-flight:
// the photo already reached the guest.
func (e *Engine) recordDelivery(ctx context.Context, log logx.Logger, id int64) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	defer cancel()
	if err := e.reg.IncrementDelivered(ictx, id); err != nil {
		log.Warn("delivered counter not updated", logx.Int64("recipient", id), logx.Err(err))
	}
}
