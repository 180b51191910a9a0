package adapter

import (
	"context"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"hoyorelay/internal/content"
	kit "hoyorelay/internal/transport"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
	telegramAlbumLimit   = 10
)

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
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

		// Prefer a newline near the end of the window, but not a tiny chunk.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// outgoing is one API call worth of a batch.
type outgoing struct {
	text    string          // plain text message when media is empty
	media   []content.Segment
	caption string          // attached to the first media item
}

// planBatch maps a batch onto Telegram calls: text alone is one message, a
// single media item carries the text as caption when it fits, several media
// items become albums of at most ten.
func planBatch(b content.Batch) []outgoing {
	text := b.Text()
	media := b.Media()
	if len(media) == 0 {
		if text == "" {
			return nil
		}
		return []outgoing{{text: text}}
	}

	var plan []outgoing
	caption := text
	if utf8.RuneCountInString(text) > telegramCaptionLimit {
		plan = append(plan, outgoing{text: text})
		caption = ""
	}
	for start := 0; start < len(media); start += telegramAlbumLimit {
		end := min(start+telegramAlbumLimit, len(media))
		o := outgoing{media: media[start:end]}
		if start == 0 {
			o.caption = caption
		}
		plan = append(plan, o)
	}
	return plan
}

// SendBatch sends every call of the batch's plan in order and stops at the
// first failure.
//
// All text segments of the batch are joined into one message or caption, so
// text placed between media items ends up ahead of them. Paragraph batches
// keep the coarse order; order within a batch is not preserved.
func (a *Adapter) SendBatch(ctx context.Context, to kit.ChatTarget, b content.Batch) error {
	chat := &tele.Chat{ID: to.ChatID}
	opts := &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true}

	for _, o := range planBatch(b) {
		if len(o.media) == 0 {
			if _, err := a.SendText(ctx, to, o.text, &kit.SendOptions{DisablePreview: true}); err != nil {
				return err
			}
			continue
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if len(o.media) == 1 {
			if _, err := a.bot.Send(chat, inputMedia(o.media[0], o.caption), opts); err != nil {
				return err
			}
			continue
		}
		album := make(tele.Album, 0, len(o.media))
		for i, m := range o.media {
			caption := ""
			if i == 0 {
				caption = o.caption
			}
			album = append(album, inputMedia(m, caption))
		}
		if _, err := a.bot.SendAlbum(chat, album, opts); err != nil {
			return err
		}
	}
	return nil
}

func inputMedia(s content.Segment, caption string) tele.Inputtable {
	if s.Kind == content.KindVideo {
		return &tele.Video{File: tele.FromURL(s.URL), Caption: caption}
	}
	return &tele.Photo{File: tele.FromURL(s.URL), Caption: caption}
}
