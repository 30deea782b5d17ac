package bot

import (
	"fmt"
	"strings"

	"guestcast/internal/distribution"
	"guestcast/internal/stats"
	"guestcast/internal/storage"
)

const (
	msgRegisterFailed   = "Sorry, there was an error registering you. Please try again."
	msgNotPhotographer  = "Only the photographer can upload photos to this bot."
	msgNoGuestsYet      = "Photo received, but no guests are registered yet. Photos will be sent once guests register with /start"
	msgNotRecorded      = "Sorry, the photo could not be saved, so it was not sent. Please try again."
	msgNoGuestsListed   = "No guests registered yet."
	msgStorageUnhealthy = "Sorry, the guest list is unavailable right now. Please try again."
	msgFallback         = "Send /start to register for photos, or /help for more information."
)

func welcomeText(firstName string) string {
	return fmt.Sprintf("Welcome %s! 🎉\n\n"+
		"You're now registered to receive event photos instantly.\n\n"+
		"Photos will be sent to you automatically as they're taken by the photographer.\n\n"+
		"Enjoy the event! 📸", firstName)
}

func guestsText(guests []storage.Guest) string {
	if len(guests) == 0 {
		return msgNoGuestsListed
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Registered Guests (%d):\n\n", len(guests))
	for _, g := range guests {
		handle := "no username"
		if g.Username != "" {
			handle = "@" + g.Username
		}
		fmt.Fprintf(&b, "• %s (%s) - %d photos\n", g.DisplayName(), handle, g.Delivered)
	}
	return b.String()
}

func statsText(s stats.Summary) string {
	return fmt.Sprintf("📊 Event Statistics:\n\n"+
		"Registered Guests: %d\n"+
		"Photos Shared: %d\n"+
		"Average Photos/Guest: %.1f", s.RegisteredCount, s.TotalDistributed, s.Average)
}

func distributedText(res distribution.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Photo distributed!\n\nSent to: %d guests\n", res.Delivered)
	if res.Failed > 0 {
		fmt.Fprintf(&b, "Failed: %d guests\n", res.Failed)
	}
	return b.String()
}

func helpText(cmds []commandSpec) string {
	var b strings.Builder
	b.WriteString("📸 Instant Photo Sharing Bot\n\nAvailable Commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "/%s - %s\n", c.name, c.description)
	}
	b.WriteString("\nHow it works:\n" +
		"1. Send /start to register\n" +
		"2. Wait for the photographer to take photos\n" +
		"3. Receive photos instantly!\n\n" +
		"Note: Photos sent to this bot will be distributed to all registered guests.")
	return b.String()
}
