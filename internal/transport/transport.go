// Package transport defines the messaging contract the engine depends on.
// The Telegram implementation lives in internal/bot; tests use a recorder.
package transport

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v3"
)

// Button is an inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Keyboard describes the markup attached to an outgoing message.
// At most one of Inline, Reply or Remove should be set.
type Keyboard struct {
	Inline [][]Button
	Reply  [][]string
	Remove bool
}

// Options configures an outgoing message.
type Options struct {
	Keyboard *Keyboard
	Caption  string // photos only
}

// Transport sends and receives messages. Failures are returned as errors;
// callers log them and carry on.
type Transport interface {
	// PollEvents long-polls for updates with ID >= cursor.
	PollEvents(ctx context.Context, cursor int, timeout time.Duration) ([]tele.Update, error)
	SendText(ctx context.Context, userID int64, text string, opts *Options) error
	SendPhoto(ctx context.Context, userID int64, photoURL string, opts *Options) error
	// AnswerButtonPress acknowledges an inline button press. text may be empty.
	AnswerButtonPress(ctx context.Context, userID int64, pressID, text string) error
}

// WithKeyboard is shorthand for options carrying only a keyboard.
func WithKeyboard(k *Keyboard) *Options {
	return &Options{Keyboard: k}
}

// InlineRow builds a single-row inline keyboard.
func InlineRow(buttons ...Button) *Keyboard {
	return &Keyboard{Inline: [][]Button{buttons}}
}
