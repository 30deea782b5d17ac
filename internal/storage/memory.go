package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps guests and photos in process memory. The mutex is held
// only for the map operation itself.
type MemoryStore struct {
	mu     sync.Mutex
	guests map[int64]Guest
	photos []PhotoRecord
	seq    int64
	closed bool
	now    func() time.Time

	reg   memoryRegistry
	audit memoryAudit
}

type memoryRegistry struct{ s *MemoryStore }

type memoryAudit struct{ s *MemoryStore }

func NewMemory() *MemoryStore {
	s := &MemoryStore{guests: map[int64]Guest{}, now: time.Now}
	s.reg = memoryRegistry{s: s}
	s.audit = memoryAudit{s: s}
	return s
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Registry() Registry { return s.reg }
func (s *MemoryStore) Audit() AuditLog    { return s.audit }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (r memoryRegistry) Upsert(ctx context.Context, g Guest) error {
	if g.ID == 0 {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return storageErr("upsert guest", err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.closed {
		return storageErr("upsert guest", ErrClosed)
	}
	g.RegisteredAt = r.s.now()
	g.Delivered = 0
	r.s.guests[g.ID] = g
	return nil
}

func (r memoryRegistry) ListAll(ctx context.Context) ([]Guest, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list guests", err)
	}
	r.s.mu.Lock()
	if r.s.closed {
		r.s.mu.Unlock()
		return nil, storageErr("list guests", ErrClosed)
	}
	out := make([]Guest, 0, len(r.s.guests))
	for _, g := range r.s.guests {
		out = append(out, g)
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memoryRegistry) Get(ctx context.Context, id int64) (Guest, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.closed {
		return Guest{}, false, storageErr("get guest", ErrClosed)
	}
	g, ok := r.s.guests[id]
	return g, ok, nil
}

func (r memoryRegistry) Count(ctx context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.closed {
		return 0, storageErr("count guests", ErrClosed)
	}
	return len(r.s.guests), nil
}

func (r memoryRegistry) IncrementDelivered(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.closed {
		return storageErr("increment delivered", ErrClosed)
	}
	g, ok := r.s.guests[id]
	if !ok {
		return nil
	}
	g.Delivered++
	r.s.guests[id] = g
	return nil
}

func (a memoryAudit) Append(ctx context.Context, p PhotoRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("append photo", err)
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if a.s.closed {
		return 0, storageErr("append photo", ErrClosed)
	}
	a.s.seq++
	p.Seq = a.s.seq
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = a.s.now()
	}
	a.s.photos = append(a.s.photos, p)
	return p.Seq, nil
}

func (a memoryAudit) Count(ctx context.Context) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if a.s.closed {
		return 0, storageErr("count photos", ErrClosed)
	}
	return int64(len(a.s.photos)), nil
}
