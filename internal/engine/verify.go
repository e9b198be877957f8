package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"daily-wager-bot/internal/chain"
	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/pkg/queue"
	"daily-wager-bot/internal/pkg/schedule"
	"daily-wager-bot/internal/repository"
)

// Verifier matches pending wagers with observed settlement transfers.
type Verifier struct {
	ledger  repository.Ledger
	source  SettlementSource
	queue   *queue.Queue[event.Event]
	metrics *observability.Metrics
	faults  *faults
	log     zerolog.Logger
}

// NewVerifier creates a verifier that pushes SettlementConfirmed events to q.
func NewVerifier(ledger repository.Ledger, source SettlementSource, q *queue.Queue[event.Event],
	health *observability.Health, alerter *observability.Alerter, m *observability.Metrics) *Verifier {
	logger := observability.Component("verify")
	return &Verifier{
		ledger:  ledger,
		source:  source,
		queue:   q,
		metrics: m,
		faults:  &faults{health: health, alerter: alerter, metrics: m, log: logger},
		log:     logger,
	}
}

// Run executes a pass every interval until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	schedule.Every(ctx, interval, func(ctx context.Context) {
		_ = v.Pass(ctx)
	})
}

// Pass checks every pending wager once. Wallets are queried one at a time
// and ctx is checked between them; a query in flight is allowed to finish.
// Source errors skip the wallet until the next pass. Storage errors end the
// pass and are returned.
func (v *Verifier) Pass(ctx context.Context) error {
	io := context.WithoutCancel(ctx)

	if err := v.ledger.Ping(io); err != nil {
		v.faults.storage(io, "ping", err)
		v.metrics.VerificationPasses.WithLabelValues("storage_error").Inc()
		return err
	}
	v.faults.recovered(io)

	err := v.pass(ctx, io)
	if err != nil {
		v.faults.storage(io, "verification", err)
		v.metrics.VerificationPasses.WithLabelValues("storage_error").Inc()
		return err
	}
	v.metrics.VerificationPasses.WithLabelValues("ok").Inc()
	return nil
}

func (v *Verifier) pass(ctx, io context.Context) error {
	round, err := v.ledger.Round(io)
	if err != nil {
		return fmt.Errorf("failed to load round: %w", err)
	}
	pending, err := v.ledger.GetAllPendingWagers(io)
	if err != nil {
		return fmt.Errorf("failed to load pending wagers: %w", err)
	}

	wallets, byWallet := groupByWallet(pending)
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return nil
		}
		if err := v.settleWallet(io, round, wallet, byWallet[wallet]); err != nil {
			return err
		}
	}
	return nil
}

// transferLookback covers clock drift between block timestamps and the
// time a wager was stored.
const transferLookback = 10 * time.Minute

// lookbackStart is how far back the wallet's history must be read to see
// every transfer that can pay one of wagers.
func lookbackStart(wagers []*model.Wager) time.Time {
	var oldest time.Time
	for _, w := range wagers {
		if oldest.IsZero() || w.CreatedAt.Before(oldest) {
			oldest = w.CreatedAt
		}
	}
	return oldest.Add(-transferLookback)
}

// groupByWallet groups wagers by paying wallet, keeping the order in which
// wallets first appear.
func groupByWallet(wagers []*model.Wager) ([]string, map[string][]*model.Wager) {
	var order []string
	groups := make(map[string][]*model.Wager)
	for _, w := range wagers {
		key := chain.NormalizeAddress(w.Wallet)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], w)
	}
	return order, groups
}

func (v *Verifier) settleWallet(ctx context.Context, round *model.Round, wallet string, wagers []*model.Wager) error {
	transfers, err := v.source.Transfers(ctx, wallet, lookbackStart(wagers))
	if err != nil {
		v.log.Warn().Err(err).Str("wallet", wallet).Msg("Failed to query settlement source")
		return nil
	}

	candidates, err := v.record(ctx, round, wallet, transfers)
	if err != nil {
		return err
	}

	for _, w := range wagers {
		dest := round.Wallet(w.Side)
		idx := -1
		for i, tx := range candidates {
			if chain.SameAddress(tx.ToWallet, dest) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		tx := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		settled, err := v.ledger.MarkSettled(ctx, w.ID, tx.ID)
		if errors.Is(err, repository.ErrTransactionMatched) || errors.Is(err, repository.ErrWagerAlreadySettled) {
			v.log.Warn().Err(err).Int64("wager_id", w.ID).Str("hash", tx.Hash).Msg("Skipping settlement")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to settle wager %d: %w", w.ID, err)
		}
		if !settled {
			continue
		}

		v.metrics.WagersSettled.Inc()
		v.log.Info().
			Int64("user_id", w.UserID).
			Int64("wager_id", w.ID).
			Str("side", string(w.Side)).
			Str("hash", tx.Hash).
			Msg("Wager settled")
		v.queue.Push(event.SettlementConfirmed{User: w.UserID, WagerID: w.ID, Side: w.Side, Hash: tx.Hash})
	}
	return nil
}

// record stores transfers from wallet to either destination, oldest first,
// and returns the unmatched ones carrying the expected amount.
func (v *Verifier) record(ctx context.Context, round *model.Round, wallet string, transfers []model.Transfer) ([]*model.SettlementTransaction, error) {
	var candidates []*model.SettlementTransaction
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		if !chain.SameAddress(t.From, wallet) {
			continue
		}
		if !chain.SameAddress(t.To, round.WalletA) && !chain.SameAddress(t.To, round.WalletB) {
			continue
		}

		stored, created, err := v.ledger.RecordTransaction(ctx, &model.SettlementTransaction{
			Amount:           t.Amount,
			Hash:             t.Hash,
			FromWallet:       t.From,
			ToWallet:         t.To,
			IsExpectedAmount: t.Amount.Equal(round.WagerAmount),
		})
		if err != nil {
			return nil, err
		}
		if created {
			v.metrics.TransactionsRecorded.WithLabelValues(strconv.FormatBool(stored.IsExpectedAmount)).Inc()
			v.log.Info().
				Str("hash", stored.Hash).
				Str("from", stored.FromWallet).
				Str("amount", stored.Amount.String()).
				Bool("expected_amount", stored.IsExpectedAmount).
				Msg("Settlement transaction recorded")
		}
		if stored.IsExpectedAmount && !stored.Matched {
			candidates = append(candidates, stored)
		}
	}
	return candidates, nil
}
