package bot

import (
	"context"

	"guestcast/internal/distribution"
	kit "guestcast/internal/transport"
)

// PhotoDispatcher sends distributed photos through the transport. Guests
// talk to the bot in private chats, so the guest id is the chat id.
type PhotoDispatcher struct {
	Adapter kit.Adapter
}

var _ distribution.Dispatcher = PhotoDispatcher{}

func (d PhotoDispatcher) Dispatch(ctx context.Context, recipientID int64, contentRef, caption string) error {
	_, err := d.Adapter.SendPhoto(ctx, kit.ChatTarget{ChatID: recipientID}, contentRef, caption)
	return err
}
