package observability

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v3"

	"daily-wager-bot/internal/transport"
)

// instrumented counts transport failures by operation.
type instrumented struct {
	next    transport.Transport
	metrics *Metrics
}

// InstrumentTransport wraps t so that every failed call increments
// TransportErrors. Errors are passed through unchanged.
func InstrumentTransport(t transport.Transport, m *Metrics) transport.Transport {
	return &instrumented{next: t, metrics: m}
}

func (i *instrumented) count(op string, err error) error {
	if err != nil {
		i.metrics.TransportErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (i *instrumented) PollEvents(ctx context.Context, cursor int, timeout time.Duration) ([]tele.Update, error) {
	updates, err := i.next.PollEvents(ctx, cursor, timeout)
	return updates, i.count("poll", err)
}

func (i *instrumented) SendText(ctx context.Context, userID int64, text string, opts *transport.Options) error {
	return i.count("send_text", i.next.SendText(ctx, userID, text, opts))
}

func (i *instrumented) SendPhoto(ctx context.Context, userID int64, photoURL string, opts *transport.Options) error {
	return i.count("send_photo", i.next.SendPhoto(ctx, userID, photoURL, opts))
}

func (i *instrumented) AnswerButtonPress(ctx context.Context, userID int64, pressID, text string) error {
	return i.count("answer", i.next.AnswerButtonPress(ctx, userID, pressID, text))
}
