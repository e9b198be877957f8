package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"daily-wager-bot/internal/transport"
)

// AlertInterval is the minimum spacing between operator alerts.
const AlertInterval = time.Minute

// Alerter forwards operational problems to the configured admins.
// Alerts arriving faster than once per AlertInterval are dropped.
type Alerter struct {
	sender    transport.Transport
	adminIDs  []int64
	sometimes *rate.Sometimes
}

// NewAlerter creates an alerter. With no admins configured alerts are only logged.
func NewAlerter(sender transport.Transport, adminIDs []int64) *Alerter {
	return &Alerter{
		sender:    sender,
		adminIDs:  adminIDs,
		sometimes: &rate.Sometimes{First: 1, Interval: AlertInterval},
	}
}

// Alert sends text to every admin unless an alert went out recently.
// It reports whether the alert was sent.
func (a *Alerter) Alert(ctx context.Context, text string) bool {
	sent := false
	a.sometimes.Do(func() {
		sent = true
		a.Notify(ctx, text)
	})
	if !sent {
		log.Debug().Str("alert", text).Msg("Operator alert suppressed")
	}
	return sent
}

// Notify sends text to every admin without throttling.
func (a *Alerter) Notify(ctx context.Context, text string) {
	for _, id := range a.adminIDs {
		if err := a.sender.SendText(ctx, id, text, nil); err != nil {
			log.Warn().Err(err).Int64("admin_id", id).Msg("Failed to deliver operator alert")
		}
	}
}
