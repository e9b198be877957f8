// Package event defines the inbound events routed by the dispatcher.
//
// Transport updates are decoded exactly once, at the ingest boundary, into
// one of four variants: Command, FreeText, ButtonPress, or the internally
// generated SettlementConfirmed.
package event

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"daily-wager-bot/internal/model"
)

// ErrMalformed is returned for updates that lack the fields a variant needs.
var ErrMalformed = errors.New("malformed update")

// Event is one unit of work for the dispatcher.
type Event interface {
	// UserID is the user the event belongs to.
	UserID() int64
	isEvent()
}

// Sender identifies the user behind an inbound event.
type Sender struct {
	ID          int64
	DisplayName string
	Username    string
}

// Command is a slash command such as /bet.
type Command struct {
	From Sender
	Name string // lower-case, without the leading slash or @botname suffix
	Args []string
}

// FreeText is any message that is not a command.
type FreeText struct {
	From Sender
	Text string
}

// ButtonPress is an inline keyboard press.
type ButtonPress struct {
	From    Sender
	PressID string
	Data    string
}

// SettlementConfirmed is pushed by the verifier after a wager is settled.
type SettlementConfirmed struct {
	User    int64
	WagerID int64
	Side    model.Side
	Hash    string
}

func (c Command) UserID() int64             { return c.From.ID }
func (f FreeText) UserID() int64            { return f.From.ID }
func (b ButtonPress) UserID() int64         { return b.From.ID }
func (s SettlementConfirmed) UserID() int64 { return s.User }

func (Command) isEvent()             {}
func (FreeText) isEvent()            {}
func (ButtonPress) isEvent()         {}
func (SettlementConfirmed) isEvent() {}

// Decode converts a transport update into an Event.
func Decode(u tele.Update) (Event, error) {
	switch {
	case u.Callback != nil:
		return decodeCallback(u.Callback)
	case u.Message != nil:
		return decodeMessage(u.Message)
	default:
		return nil, fmt.Errorf("%w: update %d has no message or callback", ErrMalformed, u.ID)
	}
}

func decodeMessage(m *tele.Message) (Event, error) {
	if m.Sender == nil {
		return nil, fmt.Errorf("%w: message %d has no sender", ErrMalformed, m.ID)
	}
	from := senderOf(m.Sender)

	text := strings.TrimSpace(m.Text)
	if strings.HasPrefix(text, "/") {
		fields := strings.Fields(text)
		name := strings.TrimPrefix(fields[0], "/")
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		if name == "" {
			return FreeText{From: from, Text: text}, nil
		}
		return Command{From: from, Name: strings.ToLower(name), Args: fields[1:]}, nil
	}
	return FreeText{From: from, Text: text}, nil
}

func decodeCallback(c *tele.Callback) (Event, error) {
	if c.Sender == nil {
		return nil, fmt.Errorf("%w: callback %s has no sender", ErrMalformed, c.ID)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: callback without id", ErrMalformed)
	}
	// telebot prefixes callback data with \f for unique buttons
	data := strings.TrimPrefix(c.Data, "\f")
	return ButtonPress{From: senderOf(c.Sender), PressID: c.ID, Data: data}, nil
}

func senderOf(u *tele.User) Sender {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return Sender{ID: u.ID, DisplayName: name, Username: u.Username}
}

// SenderOf returns the sender of an inbound event, or false for internal events.
func SenderOf(e Event) (Sender, bool) {
	switch ev := e.(type) {
	case Command:
		return ev.From, true
	case FreeText:
		return ev.From, true
	case ButtonPress:
		return ev.From, true
	}
	return Sender{}, false
}
