// Package telegram implements transport.Channel on top of telebot.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"concallbot/internal/transport"
	"concallbot/pkg/logx"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
	telegramAlbumLimit   = 10
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string
	// RequestTimeout bounds text and photo calls.
	RequestTimeout time.Duration
	// UploadTimeout bounds document and album uploads. It is also the HTTP
	// client timeout, so it must be the larger of the two.
	UploadTimeout time.Duration
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Channel = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout < cfg.RequestTimeout {
		cfg.UploadTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.UploadTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Username returns the bot's username as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range chunks {
		msg, err := a.call(ctx, "text", a.cfg.RequestTimeout, func() (*tele.Message, error) {
			return a.bot.Send(chat, chunk, sendOptions(to, opt))
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = ref(to, msg)
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, p transport.Photo, opt *transport.SendOptions) (transport.MessageRef, error) {
	if len(p.Data) == 0 {
		return transport.MessageRef{}, transport.Terminal("photo", errors.New("empty image"))
	}
	photo := &tele.Photo{
		File:    tele.FromReader(bytes.NewReader(p.Data)),
		Caption: clipCaption(p.Caption),
	}
	msg, err := a.call(ctx, "photo", a.cfg.RequestTimeout, func() (*tele.Message, error) {
		return a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, sendOptions(to, opt))
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return ref(to, msg), nil
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, d transport.Document, opt *transport.SendOptions) (transport.MessageRef, error) {
	doc := &tele.Document{
		File:     tele.FromDisk(d.Path),
		FileName: d.FileName,
		Caption:  clipCaption(d.Caption),
	}
	msg, err := a.call(ctx, "document", a.cfg.UploadTimeout, func() (*tele.Message, error) {
		return a.bot.Send(&tele.Chat{ID: to.ChatID}, doc, sendOptions(to, opt))
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return ref(to, msg), nil
}

func (a *Adapter) SendAlbum(ctx context.Context, to transport.ChatTarget, photos []transport.Photo, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	if len(photos) == 0 {
		return nil, nil
	}
	if len(photos) > telegramAlbumLimit {
		return nil, transport.Terminal("album", errors.New("too many photos for one album"))
	}
	album := make(tele.Album, 0, len(photos))
	for _, p := range photos {
		album = append(album, &tele.Photo{
			File:    tele.FromReader(bytes.NewReader(p.Data)),
			Caption: clipCaption(p.Caption),
		})
	}

	var msgs []tele.Message
	_, err := a.call(ctx, "album", a.cfg.UploadTimeout, func() (*tele.Message, error) {
		var err error
		msgs, err = a.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, sendOptions(to, opt))
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]transport.MessageRef, 0, len(msgs))
	for i := range msgs {
		out = append(out, ref(to, &msgs[i]))
	}
	return out, nil
}

// call runs fn with a deadline. telebot has no context support, so a call
// that outlives ctx keeps running in the background; the caller sees a
// timeout and must assume the request may still land.
func (a *Adapter) call(ctx context.Context, op string, timeout time.Duration, fn func() (*tele.Message, error)) (*tele.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.Terminal(op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := fn()
		done <- result{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			err := classify(op, r.err)
			a.log.Debug("telegram call failed", logx.String("op", op), logx.String("kind", transport.Kind(err).String()), logx.Err(r.err))
			return nil, err
		}
		return r.msg, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, transport.Timeout(op, ctx.Err())
		}
		return nil, transport.Terminal(op, ctx.Err())
	}
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

func ref(to transport.ChatTarget, msg *tele.Message) transport.MessageRef {
	r := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg != nil {
		r.MessageID = msg.ID
	}
	return r
}

func clipCaption(s string) string {
	rs := []rune(s)
	if len(rs) <= telegramCaptionLimit {
		return s
	}
	return string(rs[:telegramCaptionLimit-1]) + "…"
}
