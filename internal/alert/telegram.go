// Package alert delivers high-severity log records to an operator
// Telegram chat.
package alert

import (
	"context"
	"errors"

	tele "gopkg.in/telebot.v4"

	logx "wagate/pkg/logx"
)

// Telegram implements logx.Sender over the Bot API.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

var _ logx.Sender = (*Telegram)(nil)

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("alert: telegram token is required")
	}
	if chatID == 0 {
		return nil, errors.New("alert: telegram chat id is required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: nil,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chat: tele.ChatID(chatID)}, nil
}

func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	// telebot has no context plumbing; honor cancellation before the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(text) > 4000 {
		text = text[:4000] + "…"
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
