package report

import (
	"fmt"
	"strings"

	"guestcast/internal/stats"
)

const topGuests = 5

// Render formats a summary for the operator chat.
func Render(eventName string, s stats.Summary) string {
	var b strings.Builder
	title := "Event report"
	if n := strings.TrimSpace(eventName); n != "" {
		title = n + " report"
	}
	fmt.Fprintf(&b, "📈 %s\n\n", title)
	fmt.Fprintf(&b, "Guests: %d\nPhotos shared: %d\nPhotos delivered: %d\nAverage photos/guest: %.1f\n",
		s.RegisteredCount, s.TotalDistributed, s.TotalDelivered, s.Average)

	if len(s.Guests) == 0 {
		return b.String()
	}
	n := min(len(s.Guests), topGuests)
	fmt.Fprintf(&b, "\nTop %d:\n", n)
	for _, g := range s.Guests[:n] {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("id %d", g.ID)
		}
		fmt.Fprintf(&b, "• %s - %d\n", name, g.Delivered)
	}
	return b.String()
}
