// Package bot adapts the Telegram Bot API (telebot) to transport.Transport.
// Updates are pulled with getUpdates and an explicit cursor so the ingest
// worker owns polling; telebot's own poller and router are not used.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"daily-wager-bot/internal/config"
	"daily-wager-bot/internal/transport"
)

// ErrTokenRequired is returned when no bot token is configured.
var ErrTokenRequired = errors.New("bot token is required")

// Bot is a Telegram transport.
type Bot struct {
	bot *tele.Bot
}

var _ transport.Transport = (*Bot)(nil)

// New creates a Telegram transport. The HTTP client timeout leaves room for
// the long-poll timeout.
func New(cfg *config.BotConfig) (*Bot, error) {
	if cfg.Token == "" {
		return nil, ErrTokenRequired
	}

	teleBot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", teleBot.Me.Username).Msg("Telegram bot authorized")
	return &Bot{bot: teleBot}, nil
}

type getUpdatesResponse struct {
	Ok     bool          `json:"ok"`
	Result []tele.Update `json:"result"`
}

// PollEvents long-polls getUpdates starting at cursor.
func (b *Bot) PollEvents(ctx context.Context, cursor int, timeout time.Duration) ([]tele.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := map[string]any{
		"offset":          cursor,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	data, err := b.bot.Raw("getUpdates", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", err)
	}

	var resp getUpdatesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return resp.Result, nil
}

// SendText sends an HTML-formatted message.
func (b *Bot) SendText(ctx context.Context, userID int64, text string, opts *transport.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.bot.Send(tele.ChatID(userID), text, sendOptions(opts)); err != nil {
		return fmt.Errorf("failed to send message to %d: %w", userID, err)
	}
	return nil
}

// SendPhoto sends a photo fetched by Telegram from photoURL.
func (b *Bot) SendPhoto(ctx context.Context, userID int64, photoURL string, opts *transport.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromURL(photoURL)}
	if opts != nil {
		photo.Caption = opts.Caption
	}
	if _, err := b.bot.Send(tele.ChatID(userID), photo, sendOptions(opts)); err != nil {
		return fmt.Errorf("failed to send photo to %d: %w", userID, err)
	}
	return nil
}

// AnswerButtonPress acknowledges a callback query.
func (b *Bot) AnswerButtonPress(ctx context.Context, userID int64, pressID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.bot.Respond(&tele.Callback{ID: pressID}, &tele.CallbackResponse{Text: text}); err != nil {
		return fmt.Errorf("failed to answer callback for %d: %w", userID, err)
	}
	return nil
}

func sendOptions(opts *transport.Options) *tele.SendOptions {
	so := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if opts != nil && opts.Keyboard != nil {
		so.ReplyMarkup = Markup(opts.Keyboard)
	}
	return so
}

// Markup converts a transport keyboard to Telegram reply markup.
func Markup(k *transport.Keyboard) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	switch {
	case k.Remove:
		m.RemoveKeyboard = true
	case len(k.Inline) > 0:
		for _, row := range k.Inline {
			buttons := make([]tele.InlineButton, 0, len(row))
			for _, btn := range row {
				buttons = append(buttons, tele.InlineButton{Text: btn.Text, Data: btn.Data})
			}
			m.InlineKeyboard = append(m.InlineKeyboard, buttons)
		}
	case len(k.Reply) > 0:
		for _, row := range k.Reply {
			buttons := make([]tele.ReplyButton, 0, len(row))
			for _, text := range row {
				buttons = append(buttons, tele.ReplyButton{Text: text})
			}
			m.ReplyKeyboard = append(m.ReplyKeyboard, buttons)
		}
		m.ResizeKeyboard = true
	}
	return m
}
