package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorage marks every failure of the underlying store. Callers test
	// for it with errors.Is and degrade only the current operation.
	ErrStorage = errors.New("storage unavailable")

	ErrInvalidID = errors.New("guest id is required")
	ErrClosed    = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default when Path is set)
//   - "memory"
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Guest is one registered recipient.
//
// Upsert replaces the whole record, so RegisteredAt and Delivered start over
// when a guest registers again.
type Guest struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	RegisteredAt time.Time
	Delivered    int64
}

// DisplayName joins first and last name.
func (g Guest) DisplayName() string {
	switch {
	case g.FirstName != "" && g.LastName != "":
		return g.FirstName + " " + g.LastName
	case g.FirstName != "":
		return g.FirstName
	default:
		return g.LastName
	}
}

// PhotoRecord is one accepted photo submission in the audit log.
type PhotoRecord struct {
	Seq         int64
	FileID      string
	SenderID    int64
	SubmittedAt time.Time
	Caption     string
}

// Registry is the guest table.
type Registry interface {
	Upsert(ctx context.Context, g Guest) error
	ListAll(ctx context.Context) ([]Guest, error)
	Get(ctx context.Context, id int64) (Guest, bool, error)
	Count(ctx context.Context) (int, error)
	// IncrementDelivered bumps one guest's counter in a single atomic
	// update. Unknown ids are ignored.
	IncrementDelivered(ctx context.Context, id int64) error
}

// AuditLog records photo submissions. Records are never mutated.
type AuditLog interface {
	Append(ctx context.Context, p PhotoRecord) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Store is a Registry and AuditLog sharing one backend.
type Store interface {
	Registry() Registry
	Audit() AuditLog
	Close() error
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
