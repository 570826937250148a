package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a delivered message. FileID is the reusable media
// handle of a photo message, empty otherwise.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	FileID    string
}

// Photo is either a local file (Path) or a previously returned handle (FileID).
// FileID wins when both are set.
type Photo struct {
	Path   string
	FileID string
}

// Messenger delivers posts to a channel. ChannelID is "@name" or a numeric
// chat id as a string.
type Messenger interface {
	SendText(ctx context.Context, channelID, text string) (MessageRef, error)
	SendPhoto(ctx context.Context, channelID string, photo Photo, caption string) (MessageRef, error)
}

// Replier answers admin commands in the chat they came from.
type Replier interface {
	Reply(ctx context.Context, to ChatTarget, text string) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
