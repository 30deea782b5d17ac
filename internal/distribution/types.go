package distribution

import (
	"context"
	"errors"
	"time"
)

// ErrAuditFailed aborts a distribution before any dispatch.
var ErrAuditFailed = errors.New("distribution not recorded")

// Dispatcher sends one photo to one guest.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientID int64, contentRef, caption string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, recipientID int64, contentRef, caption string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, recipientID int64, contentRef, caption string) error {
	return f(ctx, recipientID, contentRef, caption)
}

type Config struct {
	// Workers bounds concurrent dispatches within one distribution.
	Workers int
	// RatePerSec is shared by all distributions of this engine.
	RatePerSec int
	// DispatchTimeout bounds a single dispatch; expiry counts as failure.
	DispatchTimeout time.Duration
}

const (
	defaultWorkers         = 8
	defaultRatePerSec      = 25
	defaultDispatchTimeout = 15 * time.Second

	maxFailuresKept = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	return c
}

// Submission is one photo handed in by the photographer.
type Submission struct {
	ContentRef string
	SenderID   int64
	Caption    string
}

type Failure struct {
	RecipientID int64
	Reason      string
}

// Result is the outcome of one distribution.
type Result struct {
	ID  string
	Seq int64

	// NoRecipients is set when nobody was registered at snapshot time.
	NoRecipients bool

	Eligible  int
	Delivered int
	Failed    int
	// Failures is capped and meant for logs and diagnostics.
	Failures []Failure

	Took time.Duration
}
