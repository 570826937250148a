package adapter

import (
	"context"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1000
)

// channel is a post destination: "@username" or a numeric chat id.
type channel string

func (c channel) Recipient() string { return strings.TrimSpace(string(c)) }

func chatIDOf(channelID string) int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	return id
}

// do runs one Bot API call and gives up when ctx ends. telebot calls take no
// context, so an abandoned call still finishes on the HTTP client timeout.
func do(ctx context.Context, fn func() (*tele.Message, error)) (*tele.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := fn()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, classify(r.err)
	case <-ctx.Done():
		return nil, classify(ctx.Err())
	}
}

// SendText posts text to a channel. Long text is split on line boundaries;
// the ref of the first chunk is returned.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	return a.sendChunks(ctx, channel(channelID), kit.ChatTarget{ChatID: chatIDOf(channelID)}, splitTelegramText(text, telegramTextLimit), kit.MessageRef{})
}

// SendPhoto posts a photo with caption. A caption over the Bot API limit
// continues as text messages after the photo.
func (a *Adapter) SendPhoto(ctx context.Context, channelID string, photo kit.Photo, caption string) (kit.MessageRef, error) {
	p := &tele.Photo{}
	switch {
	case strings.TrimSpace(photo.FileID) != "":
		p.File = tele.File{FileID: strings.TrimSpace(photo.FileID)}
	case strings.TrimSpace(photo.Path) != "":
		p.File = tele.FromDisk(photo.Path)
	default:
		return kit.MessageRef{}, &kit.ProtocolError{Description: "photo has neither file id nor path"}
	}

	rest := []string(nil)
	if caption != "" {
		chunks := splitTelegramText(caption, telegramCaptionLimit)
		p.Caption = chunks[0]
		if len(chunks) > 1 {
			rest = splitTelegramText(strings.Join(chunks[1:], "\n"), telegramTextLimit)
		}
	}

	to := channel(channelID)
	msg, err := do(ctx, func() (*tele.Message, error) { return a.bot.Send(to, p) })
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := refOf(msg)
	if ref.ChatID == 0 {
		ref.ChatID = chatIDOf(channelID)
	}
	if len(rest) == 0 {
		return ref, nil
	}
	return a.sendChunks(ctx, to, kit.ChatTarget{ChatID: ref.ChatID}, rest, ref)
}

// Reply answers in the chat (and forum topic) a command came from.
func (a *Adapter) Reply(ctx context.Context, to kit.ChatTarget, text string) (kit.MessageRef, error) {
	return a.sendChunks(ctx, &tele.Chat{ID: to.ChatID}, to, splitTelegramText(text, telegramTextLimit), kit.MessageRef{})
}

// Notify implements the log sink transport.
func (a *Adapter) Notify(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.Reply(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text)
	return err
}

// sendChunks sends chunks in order. first, when set, is returned instead of
// the ref of the first chunk.
func (a *Adapter) sendChunks(ctx context.Context, to tele.Recipient, target kit.ChatTarget, chunks []string, first kit.MessageRef) (kit.MessageRef, error) {
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for _, chunk := range chunks {
		opt := &tele.SendOptions{ThreadID: target.ThreadID}
		msg, err := do(ctx, func() (*tele.Message, error) { return a.bot.Send(to, chunk, opt) })
		if err != nil {
			return first, err
		}
		if first.MessageID == 0 {
			first = refOf(msg)
			if first.ChatID == 0 {
				first.ChatID = target.ChatID
			}
			first.ThreadID = target.ThreadID
		}
	}
	return first, nil
}

func refOf(msg *tele.Message) kit.MessageRef {
	if msg == nil {
		return kit.MessageRef{}
	}
	ref := kit.MessageRef{MessageID: msg.ID, ThreadID: msg.ThreadID}
	if msg.Chat != nil {
		ref.ChatID = msg.Chat.ID
	}
	if msg.Photo != nil {
		ref.FileID = msg.Photo.FileID
	}
	return ref
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
