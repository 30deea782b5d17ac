// Package stats derives event statistics from the guest registry and the
// photo audit log.
package stats

import (
	"context"
	"sort"

	"guestcast/internal/storage"
)

type GuestStat struct {
	ID        int64
	Name      string
	Username  string
	Delivered int64
}

type Summary struct {
	RegisteredCount  int
	TotalDistributed int64
	// Average is photos shared per registered guest; 0 with no guests.
	Average        float64
	TotalDelivered int64
	Guests         []GuestStat
}

type Aggregator struct {
	reg   storage.Registry
	audit storage.AuditLog
}

func New(reg storage.Registry, audit storage.AuditLog) *Aggregator {
	return &Aggregator{reg: reg, audit: audit}
}

// Compute takes a fresh snapshot of both tables on every call.
func (a *Aggregator) Compute(ctx context.Context) (Summary, error) {
	guests, err := a.reg.ListAll(ctx)
	if err != nil {
		return Summary{}, err
	}
	total, err := a.audit.Count(ctx)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		RegisteredCount:  len(guests),
		TotalDistributed: total,
		Guests:           make([]GuestStat, 0, len(guests)),
	}
	if s.RegisteredCount > 0 {
		s.Average = float64(total) / float64(s.RegisteredCount)
	}
	for _, g := range guests {
		s.TotalDelivered += g.Delivered
		s.Guests = append(s.Guests, GuestStat{ID: g.ID, Name: g.DisplayName(), Username: g.Username, Delivered: g.Delivered})
	}
	sort.SliceStable(s.Guests, func(i, j int) bool { return s.Guests[i].Delivered > s.Guests[j].Delivered })
	return s, nil
}
