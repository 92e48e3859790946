package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"digestbot/internal/transport"
	"digestbot/pkg/logx"
)

// maxMessageRunes is the Bot API cap for one sendMessage text.
const maxMessageRunes = 4096

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted API server, tests).
	APIURL string
	// Timeout bounds one HTTP round trip to the Bot API.
	Timeout time.Duration
	// Offline skips the getMe handshake at construction.
	Offline bool
}

// Adapter sends through the Telegram Bot API. It is outbound-only.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, classify(err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// SendText sends text as exactly one message. Callers split long texts
// beforehand (see transport.SplitText) so each chunk is paced on its own.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if n := utf8.RuneCountInString(text); n > maxMessageRunes {
		return transport.MessageRef{}, transport.Permanent(fmt.Errorf("telegram: text has %d characters, limit is %d", n, maxMessageRunes))
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(to, opt, true))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return refOf(to, msg), nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Media, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, &tele.Photo{File: fileOf(photo), Caption: photo.Caption}, sendOptions(to, opt, true))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return refOf(to, msg), nil
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Media, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	d := &tele.Document{File: fileOf(doc), Caption: doc.Caption, FileName: doc.FileName}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, d, sendOptions(to, opt, true))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return refOf(to, msg), nil
}

func (a *Adapter) SendMediaGroup(ctx context.Context, to transport.ChatTarget, media []transport.Media, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	album := make(tele.Album, 0, len(media))
	for _, m := range media {
		album = append(album, inputOf(m))
	}
	msgs, err := a.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, sendOptions(to, opt, false))
	if err != nil {
		return nil, classify(err)
	}
	refs := make([]transport.MessageRef, 0, len(msgs))
	for i := range msgs {
		refs = append(refs, refOf(to, &msgs[i]))
	}
	return refs, nil
}

func (a *Adapter) SendChatAction(ctx context.Context, to transport.ChatTarget, action transport.ChatAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ChatID}
	var err error
	if to.ThreadID != 0 {
		err = a.bot.Notify(chat, chatAction(action), to.ThreadID)
	} else {
		err = a.bot.Notify(chat, chatAction(action))
	}
	return classify(err)
}

func chatAction(a transport.ChatAction) tele.ChatAction {
	if a == transport.ActionTyping {
		return tele.Typing
	}
	return tele.ChatAction(a)
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions, withMarkup bool) *tele.SendOptions {
	o := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return o
	}
	o.ParseMode = opt.ParseMode
	o.DisableWebPagePreview = opt.DisablePreview
	o.DisableNotification = opt.Silent
	if withMarkup && opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			o.ReplyMarkup = rm
		}
	}
	return o
}

func fileOf(m transport.Media) tele.File {
	switch {
	case m.FileID != "":
		return tele.File{FileID: m.FileID}
	case m.URL != "":
		return tele.FromURL(m.URL)
	default:
		return tele.FromDisk(m.Path)
	}
}

func inputOf(m transport.Media) tele.Inputtable {
	if m.Kind == transport.MediaDocument {
		return &tele.Document{File: fileOf(m), Caption: m.Caption, FileName: m.FileName}
	}
	return &tele.Photo{File: fileOf(m), Caption: m.Caption}
}

func refOf(to transport.ChatTarget, msg *tele.Message) transport.MessageRef {
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg != nil {
		ref.MessageID = msg.ID
	}
	return ref
}
