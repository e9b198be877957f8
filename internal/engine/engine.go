// Package engine runs a round: the ingest, dispatch and verification workers
// and the coordinator that starts and stops them around the round deadline.
//
// The workers share one queue.Queue of events. Only the coordinator cancels
// a phase; each worker checks its context before every unit of work and lets
// in-flight I/O finish.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
)

// MetricSource returns the latest published metric.
type MetricSource interface {
	Fetch(ctx context.Context) (model.MetricSnapshot, error)
}

// SettlementSource lists transfers involving an address, newest first,
// reaching back at least to since.
type SettlementSource interface {
	Transfers(ctx context.Context, address string, since time.Time) ([]model.Transfer, error)
}

// Phase is a step of the round lifecycle.
type Phase string

// Round phases.
const (
	PhaseBettingOpen        Phase = "betting_open"
	PhaseBettingClosing     Phase = "betting_closing"
	PhaseAwaitingResolution Phase = "awaiting_resolution"
	PhaseResolving          Phase = "resolving"
)

var phaseNames = []string{
	string(PhaseBettingOpen),
	string(PhaseBettingClosing),
	string(PhaseAwaitingResolution),
	string(PhaseResolving),
}

// Timing holds the worker and coordinator intervals.
type Timing struct {
	StopLead           time.Duration // betting closes this long before the deadline
	MinWait            time.Duration // shortest sleep while waiting for the deadline
	MaxWait            time.Duration // longest sleep between deadline re-reads
	VerifyInterval     time.Duration
	MetricPollInterval time.Duration
	DispatchPoll       time.Duration // bounded wait of a queue pop
	PollTimeout        time.Duration // transport long-poll timeout
	IngestRetry        time.Duration // backoff after a failed poll
	BroadcastRate      float64       // messages per second
}

// faults handles storage failures the same way for every component:
// count, log, enter degraded mode and alert the operators.
type faults struct {
	health  *observability.Health
	alerter *observability.Alerter
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (f *faults) storage(ctx context.Context, op string, err error) {
	f.metrics.StorageErrors.Inc()
	f.log.Error().Err(err).Str("operation", op).Msg("Storage operation failed")
	if f.health.SetDegraded(true) {
		f.log.Warn().Msg("Entering degraded mode, new wagers are refused")
	}
	f.alerter.Alert(ctx, messages.StorageAlert(op, err))
}

func (f *faults) recovered(ctx context.Context) {
	if f.health.SetDegraded(false) {
		f.log.Info().Msg("Storage recovered, leaving degraded mode")
		f.alerter.Notify(ctx, messages.StorageRecovered())
	}
}

func eventKind(ev event.Event) string {
	switch ev.(type) {
	case event.Command:
		return "command"
	case event.FreeText:
		return "free_text"
	case event.ButtonPress:
		return "button_press"
	case event.SettlementConfirmed:
		return "settlement_confirmed"
	}
	return "unknown"
}
