package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdatePhoto   UpdateKind = "photo"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Sender identifies who sent an update. ID shares one namespace with
// registered guest ids.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type Message struct {
	ID     int
	ChatID int64
	From   Sender
	Text   string

	// Photo is set for photo updates. It references the largest size
	// Telegram offered, so re-sending it never downscales.
	Photo   *PhotoRef
	Caption string
}

type PhotoRef struct {
	FileID string
	Width  int
	Height int
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters implement to publish
// the platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
