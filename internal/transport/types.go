package transport

import "context"

// ChatTarget addresses a chat (and optionally a forum topic inside it).
// Pacing is keyed by ChatID only: topics share their chat's budget.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	Silent             bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// Media is a single outbound attachment. Exactly one of FileID, URL or Path
// should be set; FileID wins when several are.
type Media struct {
	Kind     MediaKind
	FileID   string
	URL      string
	Path     string
	Caption  string
	FileName string
}

// Source returns the populated reference, used for logging and validation.
func (m Media) Source() string {
	switch {
	case m.FileID != "":
		return m.FileID
	case m.URL != "":
		return m.URL
	default:
		return m.Path
	}
}

type ChatAction string

const ActionTyping ChatAction = "typing"

// Sender performs outbound calls against the messaging platform.
//
// Implementations must honor ctx cancellation where the platform client allows it
// and return errors wrapped with Temporary/Permanent/RetryAfter when they know better
// than the generic classifier.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo Media, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, doc Media, opt *SendOptions) (MessageRef, error)
	SendMediaGroup(ctx context.Context, to ChatTarget, media []Media, opt *SendOptions) ([]MessageRef, error)
	ChatActionSender
}

// ChatActionSender is the subset of Sender used for presence signals.
type ChatActionSender interface {
	SendChatAction(ctx context.Context, to ChatTarget, action ChatAction) error
}

// TextSender is the subset of Sender used by side channels that only post text
// (log sink, backlog alerts).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
