// Package testutil provides in-memory doubles shared by the engine, flow and
// handler tests: a recording transport, scripted metric and settlement
// sources, and a SQLite-backed ledger.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	tele "gopkg.in/telebot.v3"

	"daily-wager-bot/internal/transport"
)

// ErrSendFailed is returned for recipients configured to fail.
var ErrSendFailed = errors.New("send failed")

// Message kinds recorded by FakeTransport.
const (
	KindText   = "text"
	KindPhoto  = "photo"
	KindAnswer = "answer"
)

// Message is one recorded outbound call.
type Message struct {
	Kind     string
	UserID   int64
	Text     string // message text, photo caption or answer text
	PhotoURL string
	PressID  string
	Opts     *transport.Options
}

// FakeTransport records outbound messages and replays scripted updates.
type FakeTransport struct {
	mu       sync.Mutex
	sent     []Message
	updates  []tele.Update
	failFor  map[int64]bool
	pollErr  error
	polls    int
	notified chan struct{}
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates an empty recorder.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		failFor:  make(map[int64]bool),
		notified: make(chan struct{}, 1),
	}
}

// QueueUpdates makes updates available to PollEvents.
func (f *FakeTransport) QueueUpdates(updates ...tele.Update) {
	f.mu.Lock()
	f.updates = append(f.updates, updates...)
	f.mu.Unlock()
	select {
	case f.notified <- struct{}{}:
	default:
	}
}

// FailFor makes every send to userID fail.
func (f *FakeTransport) FailFor(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[userID] = true
}

// SetPollError makes PollEvents fail until cleared with nil.
func (f *FakeTransport) SetPollError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

// Polls returns how many times PollEvents was called.
func (f *FakeTransport) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *FakeTransport) PollEvents(ctx context.Context, cursor int, timeout time.Duration) ([]tele.Update, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		f.polls++
		if f.pollErr != nil {
			err := f.pollErr
			f.mu.Unlock()
			return nil, err
		}
		var batch, rest []tele.Update
		for _, u := range f.updates {
			if u.ID >= cursor {
				batch = append(batch, u)
			} else {
				rest = append(rest, u)
			}
		}
		if len(batch) > 0 {
			f.updates = rest
			f.mu.Unlock()
			return batch, nil
		}
		f.mu.Unlock()

		select {
		case <-f.notified:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *FakeTransport) record(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[m.UserID] {
		return ErrSendFailed
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *FakeTransport) SendText(_ context.Context, userID int64, text string, opts *transport.Options) error {
	return f.record(Message{Kind: KindText, UserID: userID, Text: text, Opts: opts})
}

func (f *FakeTransport) SendPhoto(_ context.Context, userID int64, photoURL string, opts *transport.Options) error {
	caption := ""
	if opts != nil {
		caption = opts.Caption
	}
	return f.record(Message{Kind: KindPhoto, UserID: userID, PhotoURL: photoURL, Text: caption, Opts: opts})
}

func (f *FakeTransport) AnswerButtonPress(_ context.Context, userID int64, pressID, text string) error {
	return f.record(Message{Kind: KindAnswer, UserID: userID, PressID: pressID, Text: text})
}

// Sent returns every recorded call.
func (f *FakeTransport) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

// To returns the calls addressed to userID.
func (f *FakeTransport) To(userID int64) []Message {
	var out []Message
	for _, m := range f.Sent() {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// TextsTo returns the text messages sent to userID.
func (f *FakeTransport) TextsTo(userID int64) []string {
	var out []string
	for _, m := range f.To(userID) {
		if m.Kind == KindText {
			out = append(out, m.Text)
		}
	}
	return out
}

// LastTextTo returns the latest text sent to userID, or "".
func (f *FakeTransport) LastTextTo(userID int64) string {
	texts := f.TextsTo(userID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

// Answers returns the button presses answered for userID.
func (f *FakeTransport) Answers(userID int64) []Message {
	var out []Message
	for _, m := range f.To(userID) {
		if m.Kind == KindAnswer {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}
