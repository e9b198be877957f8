package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/odds"
	"daily-wager-bot/internal/pkg/schedule"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/transport"
)

// Coordinator drives the round lifecycle:
//
//	betting_open -> betting_closing -> awaiting_resolution -> resolving -> betting_open
type Coordinator struct {
	ledger   repository.Ledger
	metric   MetricSource
	sender   transport.Transport
	ingest   *Ingest
	dispatch *Dispatcher
	verify   *Verifier
	cutover  *schedule.Cutover
	timing   Timing
	metrics  *observability.Metrics
	faults   *faults
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger
}

// CoordinatorDeps holds the Coordinator dependencies.
type CoordinatorDeps struct {
	Ledger     repository.Ledger
	Metric     MetricSource
	Sender     transport.Transport
	Ingest     *Ingest
	Dispatcher *Dispatcher
	Verifier   *Verifier
	Cutover    *schedule.Cutover
	Health     *observability.Health
	Alerter    *observability.Alerter
	Metrics    *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d CoordinatorDeps, timing Timing) *Coordinator {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	perSecond := timing.BroadcastRate
	if perSecond <= 0 {
		perSecond = 25
	}
	logger := observability.Component("coordinator")
	return &Coordinator{
		ledger:   d.Ledger,
		metric:   d.Metric,
		sender:   d.Sender,
		ingest:   d.Ingest,
		dispatch: d.Dispatcher,
		verify:   d.Verifier,
		cutover:  d.Cutover,
		timing:   timing,
		metrics:  d.Metrics,
		faults:   &faults{health: d.Health, alerter: d.Alerter, metrics: d.Metrics, log: logger},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		now:      now,
		log:      logger,
	}
}

// Run plays rounds until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := c.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunRound plays the current round from betting_open through the reset
// that starts the next one.
func (c *Coordinator) RunRound(ctx context.Context) error {
	round, err := c.readRound(ctx)
	if err != nil {
		return err
	}
	log := c.log.With().Str("round_id", round.ID.String()).Logger()

	verifyCtx, stopVerify := context.WithCancel(ctx)
	var verifying sync.WaitGroup
	verifying.Add(1)
	go func() {
		defer verifying.Done()
		c.verify.Run(verifyCtx, c.timing.VerifyInterval)
	}()
	stopVerification := func() {
		stopVerify()
		verifying.Wait()
	}

	c.enter(log, PhaseBettingOpen)
	stopWorkers := c.startWorkers(ctx, true)
	err = c.waitForDeadline(ctx)
	stopWorkers()
	if err != nil {
		stopVerification()
		return err
	}

	c.enter(log, PhaseBettingClosing)
	if round, err = c.readRound(ctx); err != nil {
		stopVerification()
		return err
	}
	c.broadcast(ctx, "betting_closed", func(int64) string {
		return messages.BettingClosed(model.Rates{A: round.RateA, B: round.RateB})
	})

	c.enter(log, PhaseAwaitingResolution)
	stopWorkers = c.startWorkers(ctx, false)
	snap, err := c.awaitMetric(ctx, round.MetricAsOf)
	stopWorkers()
	stopVerification()
	if err != nil {
		return err
	}
	log.Info().Int64("value", snap.Value).Time("as_of", snap.AsOf).Msg("New metric published")

	// late settlements count toward the result and are announced first
	if err := c.verify.Pass(ctx); err != nil {
		log.Warn().Err(err).Msg("Final verification pass failed")
	}
	c.dispatch.Drain(context.WithoutCancel(ctx))

	c.enter(log, PhaseResolving)
	return c.resolve(ctx, log, snap)
}

func (c *Coordinator) enter(log zerolog.Logger, phase Phase) {
	c.metrics.SetPhase(string(phase), phaseNames)
	log.Info().Str("phase", string(phase)).Msg("Round phase started")
}

// startWorkers runs ingest and dispatch until the returned stop is called.
// stop cancels them and waits for both to exit.
func (c *Coordinator) startWorkers(parent context.Context, allowBets bool) (stop func()) {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.ingest.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.dispatch.Run(ctx, allowBets)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// waitForDeadline returns once the deadline, re-read on every step, is
// within StopLead.
func (c *Coordinator) waitForDeadline(ctx context.Context) error {
	w := &schedule.Waiter{
		Lead:    c.timing.StopLead,
		MinWait: c.timing.MinWait,
		MaxWait: c.timing.MaxWait,
		Now:     c.now,
		OnError: func(err error) { c.faults.storage(ctx, "deadline", err) },
	}
	return w.Wait(ctx, func(ctx context.Context) (time.Time, error) {
		r, err := c.ledger.Round(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return r.Deadline, nil
	})
}

// readRound loads the round, retrying storage errors every MinWait.
func (c *Coordinator) readRound(ctx context.Context) (*model.Round, error) {
	var round *model.Round
	err := schedule.PollUntil(ctx, c.timing.MinWait, func(ctx context.Context) (bool, error) {
		r, err := c.ledger.Round(ctx)
		if err != nil {
			return false, err
		}
		round = r
		return true, nil
	}, func(err error) { c.faults.storage(ctx, "round", err) })
	return round, err
}

// awaitMetric polls the metric source until it publishes a snapshot newer
// than baseline. A zero baseline is taken from the first successful fetch.
// Errors are logged and retried; it never guesses.
func (c *Coordinator) awaitMetric(ctx context.Context, baseline time.Time) (model.MetricSnapshot, error) {
	var snap model.MetricSnapshot
	err := schedule.PollUntil(ctx, c.timing.MetricPollInterval, func(ctx context.Context) (bool, error) {
		s, err := c.metric.Fetch(ctx)
		if err != nil {
			return false, err
		}
		if baseline.IsZero() {
			baseline = s.AsOf
			return false, nil
		}
		if s.AsOf.Equal(baseline) {
			return false, nil
		}
		snap = s
		return true, nil
	}, func(err error) {
		c.log.Warn().Err(err).Msg("Failed to fetch metric, retrying")
	})
	return snap, err
}

// resolve announces the result and payouts, then resets the ledger for the
// next round. Storage errors are retried every MinWait.
func (c *Coordinator) resolve(ctx context.Context, log zerolog.Logger, snap model.MetricSnapshot) error {
	var (
		round   *model.Round
		payouts map[int64]decimal.Decimal
	)
	err := schedule.PollUntil(ctx, c.timing.MinWait, func(ctx context.Context) (bool, error) {
		r, err := c.ledger.Round(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to load round: %w", err)
		}
		settled, err := c.ledger.SettledWagers(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to load settled wagers: %w", err)
		}
		winner := r.Winner(snap.Value)
		round, payouts = r, Payouts(settled, winner, r.Rate(winner), r.WagerAmount)
		return true, nil
	}, func(err error) { c.faults.storage(ctx, "resolve", err) })
	if err != nil {
		return err
	}

	winner := round.Winner(snap.Value)
	winningRate := round.Rate(winner)
	c.metrics.RoundsResolved.WithLabelValues(string(winner)).Inc()
	log.Info().
		Int64("control_value", round.ControlValue).
		Int64("value", snap.Value).
		Str("winner", string(winner)).
		Str("rate", winningRate.String()).
		Int("winners", len(payouts)).
		Msg("Round resolved")

	result := messages.RoundResult(winner, winningRate, snap)
	c.broadcast(ctx, "result", func(int64) string { return result })
	for userID, amount := range payouts {
		c.send(ctx, "payout", userID, messages.Payout(amount))
	}

	next := NextRound(round, snap, c.cutover.Next(c.now()), c.now())
	err = schedule.PollUntil(ctx, c.timing.MinWait, func(ctx context.Context) (bool, error) {
		if err := c.ledger.ResetRound(ctx, next); err != nil {
			return false, err
		}
		return true, nil
	}, func(err error) { c.faults.storage(ctx, "reset", err) })
	if err != nil {
		return err
	}

	log.Info().
		Str("next_round_id", next.ID.String()).
		Int64("control_value", next.ControlValue).
		Time("deadline", next.Deadline).
		Msg("New round started")
	return nil
}

// Payouts sums what each user is owed: the stake times the winning rate
// for every settled wager on the winning side.
func Payouts(settled []*model.Wager, winner model.Side, winningRate model.Rate, wagerAmount decimal.Decimal) map[int64]decimal.Decimal {
	wins := make(map[int64]int)
	for _, w := range settled {
		if w.IsSettled() && w.Side == winner {
			wins[w.UserID]++
		}
	}
	out := make(map[int64]decimal.Decimal, len(wins))
	for userID, n := range wins {
		if amount := odds.Payout(wagerAmount, winningRate, n); amount.IsPositive() {
			out[userID] = amount
		}
	}
	return out
}

// NextRound builds the round that follows current once snap resolved it.
// The published value becomes the new control value.
func NextRound(current *model.Round, snap model.MetricSnapshot, deadline, now time.Time) *model.Round {
	return &model.Round{
		ID:           uuid.New(),
		ControlValue: snap.Value,
		Deadline:     deadline,
		Fee:          current.Fee,
		WagerAmount:  current.WagerAmount,
		WalletA:      current.WalletA,
		WalletB:      current.WalletB,
		MetricAsOf:   snap.AsOf,
		StartedAt:    now.UTC(),
	}
}

// broadcast sends one message per known user at the configured rate.
// A failed recipient never blocks the others.
func (c *Coordinator) broadcast(ctx context.Context, kind string, text func(userID int64) string) {
	var users []int64
	err := schedule.PollUntil(ctx, c.timing.MinWait, func(ctx context.Context) (bool, error) {
		ids, err := c.ledger.UserIDs(ctx)
		if err != nil {
			return false, err
		}
		users = ids
		return true, nil
	}, func(err error) { c.faults.storage(ctx, "broadcast", err) })
	if err != nil {
		return
	}

	for _, userID := range users {
		c.send(ctx, kind, userID, text(userID))
	}
	c.log.Info().Str("kind", kind).Int("recipients", len(users)).Msg("Broadcast finished")
}

func (c *Coordinator) send(ctx context.Context, kind string, userID int64, text string) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	if err := c.sender.SendText(ctx, userID, text, nil); err != nil {
		c.metrics.BroadcastMessages.WithLabelValues(kind, "error").Inc()
		c.log.Warn().Err(err).Int64("user_id", userID).Str("kind", kind).Msg("Failed to deliver broadcast")
		return
	}
	c.metrics.BroadcastMessages.WithLabelValues(kind, "ok").Inc()
}
