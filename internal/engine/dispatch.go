package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/flow"
	"daily-wager-bot/internal/handler"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/pkg/queue"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/service"
	"daily-wager-bot/internal/transport"
)

// Dispatcher pops events and routes them to the flow, the command handlers
// or the settlement notifier. It is the only consumer of the queue, so the
// events of one user are handled in enqueue order.
type Dispatcher struct {
	queue    *queue.Queue[event.Event]
	ledger   repository.Ledger
	account  *service.AccountService
	commands *handler.Handler
	flow     *flow.Machine
	sender   transport.Transport
	health   *observability.Health
	metrics  *observability.Metrics
	faults   *faults
	wait     time.Duration

	// settlement notices for users who were mid-flow, owned by the
	// dispatch goroutine
	deferred map[int64][]event.SettlementConfirmed

	log zerolog.Logger
}

// DispatcherDeps holds the Dispatcher dependencies.
type DispatcherDeps struct {
	Queue    *queue.Queue[event.Event]
	Ledger   repository.Ledger
	Account  *service.AccountService
	Commands *handler.Handler
	Flow     *flow.Machine
	Sender   transport.Transport
	Health   *observability.Health
	Alerter  *observability.Alerter
	Metrics  *observability.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(d DispatcherDeps, timing Timing) *Dispatcher {
	logger := observability.Component("dispatch")
	return &Dispatcher{
		queue:    d.Queue,
		ledger:   d.Ledger,
		account:  d.Account,
		commands: d.Commands,
		flow:     d.Flow,
		sender:   d.Sender,
		health:   d.Health,
		metrics:  d.Metrics,
		faults:   &faults{health: d.Health, alerter: d.Alerter, metrics: d.Metrics, log: logger},
		wait:     timing.DispatchPoll,
		deferred: make(map[int64][]event.SettlementConfirmed),
		log:      logger,
	}
}

// Run handles events until ctx is done. allowBets is false outside the
// betting phase. An event already popped is handled to completion.
func (d *Dispatcher) Run(ctx context.Context, allowBets bool) {
	d.log.Debug().Bool("allow_bets", allowBets).Msg("Dispatcher started")
	d.flushAll(context.WithoutCancel(ctx))

	for ctx.Err() == nil {
		ev, ok := d.queue.Pop(ctx, d.wait)
		if !ok {
			continue
		}
		d.Dispatch(context.WithoutCancel(ctx), ev, allowBets)
	}
	d.log.Debug().Msg("Dispatcher stopped")
}

// Drain handles every queued event without waiting, with bets disallowed.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.flushAll(ctx)
	for {
		ev, ok := d.queue.TryPop()
		if !ok {
			return
		}
		d.Dispatch(ctx, ev, false)
	}
}

// Dispatch handles one event. Panics are recovered and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, allowBets bool) {
	kind := eventKind(ev)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanics.Inc()
			d.log.Error().
				Interface("panic", r).
				Int64("user_id", ev.UserID()).
				Str("kind", kind).
				Msg("Recovered from panic while dispatching")
		}
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}()

	d.metrics.EventsDispatched.WithLabelValues(kind).Inc()

	if err := d.route(ctx, ev, allowBets); err != nil {
		d.fail(ctx, ev, err)
		return
	}
	d.flush(ctx, ev.UserID())
}

func (d *Dispatcher) route(ctx context.Context, ev event.Event, allowBets bool) error {
	if sender, ok := event.SenderOf(ev); ok {
		if _, err := d.account.EnsureUser(ctx, sender); err != nil {
			return err
		}
	}

	if sc, ok := ev.(event.SettlementConfirmed); ok {
		return d.notify(ctx, sc)
	}

	state, err := d.ledger.GetState(ctx, ev.UserID())
	if err != nil {
		return fmt.Errorf("failed to get state: %w", err)
	}

	bets := allowBets && !d.health.Degraded()
	if state != model.StateNone {
		return d.flow.Handle(ctx, state, ev, bets)
	}

	if cmd, ok := ev.(event.Command); ok {
		if cmd.Name == flow.CmdBet {
			return d.flow.StartWager(ctx, cmd.From.ID, bets)
		}
		return d.commands.Handle(ctx, cmd)
	}
	d.flow.HandleIdle(ctx, ev)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, ev event.Event, err error) {
	if errors.Is(err, handler.ErrPanic) {
		// the handler already replied
		d.metrics.HandlerPanics.Inc()
		d.log.Error().Err(err).Int64("user_id", ev.UserID()).Msg("Command handler panicked")
		return
	}

	d.faults.storage(ctx, eventKind(ev), err)
	if _, internal := ev.(event.SettlementConfirmed); internal {
		return
	}
	if sendErr := d.sender.SendText(ctx, ev.UserID(), messages.GenericError, transport.WithKeyboard(messages.Menu())); sendErr != nil {
		d.log.Warn().Err(sendErr).Int64("user_id", ev.UserID()).Msg("Failed to send error reply")
	}
}

// notify delivers a settlement notice, or holds it while the user is mid-flow.
func (d *Dispatcher) notify(ctx context.Context, sc event.SettlementConfirmed) error {
	state, err := d.ledger.GetState(ctx, sc.User)
	if err != nil {
		return fmt.Errorf("failed to get state: %w", err)
	}
	if state != model.StateNone {
		d.deferred[sc.User] = append(d.deferred[sc.User], sc)
		d.updateDeferredGauge()
		d.log.Debug().Int64("user_id", sc.User).Int64("wager_id", sc.WagerID).Msg("Settlement notice deferred")
		return nil
	}
	d.deliver(ctx, sc)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sc event.SettlementConfirmed) {
	err := d.sender.SendText(ctx, sc.User, messages.Settled(sc.WagerID, sc.Side), transport.WithKeyboard(messages.Menu()))
	if err != nil {
		d.log.Warn().Err(err).Int64("user_id", sc.User).Int64("wager_id", sc.WagerID).Msg("Failed to send settlement notice")
	}
}

// flush delivers the deferred notices of userID once they are back in none.
func (d *Dispatcher) flush(ctx context.Context, userID int64) {
	pending := d.deferred[userID]
	if len(pending) == 0 {
		return
	}
	state, err := d.ledger.GetState(ctx, userID)
	if err != nil || state != model.StateNone {
		return
	}
	delete(d.deferred, userID)
	d.updateDeferredGauge()
	for _, sc := range pending {
		d.deliver(ctx, sc)
	}
}

func (d *Dispatcher) flushAll(ctx context.Context) {
	for userID := range d.deferred {
		d.flush(ctx, userID)
	}
}

// Deferred returns how many notices are being held.
func (d *Dispatcher) Deferred() int {
	n := 0
	for _, p := range d.deferred {
		n += len(p)
	}
	return n
}

func (d *Dispatcher) updateDeferredGauge() {
	d.metrics.DeferredNotices.Set(float64(d.Deferred()))
}
