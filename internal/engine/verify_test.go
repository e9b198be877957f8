package engine

import (
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/testutil"
)

func settlementEvents(h *harness) []event.SettlementConfirmed {
	var out []event.SettlementConfirmed
	for {
		ev, ok := h.queue.TryPop()
		if !ok {
			return out
		}
		if sc, ok := ev.(event.SettlementConfirmed); ok {
			out = append(out, sc)
		}
	}
}

func TestVerifier_MatchesOneTransferPerWager(t *testing.T) {
	h := newHarness(t, testutil.Round(), 1, 2)
	first := testutil.PendingWager(t, h.ledger, 1, model.SideA, testutil.PlayerWallet)
	second := testutil.PendingWager(t, h.ledger, 1, model.SideA, testutil.PlayerWallet)
	testutil.PendingWager(t, h.ledger, 2, model.SideB, testutil.OtherWallet)

	paid := h.settle.Pay(testutil.PlayerWallet, testutil.WalletA, "0.03")
	short := h.settle.Pay(testutil.PlayerWallet, testutil.WalletA, "0.02")
	wrongSide := h.settle.Pay(testutil.OtherWallet, testutil.WalletA, "0.03")
	elsewhere := h.settle.Pay(testutil.OtherWallet, "0x9999999999999999999999999999999999999999", "0.03")

	require.NoError(t, h.verify.Pass(h.ctx))

	events := settlementEvents(h)
	require.Len(t, events, 1)
	assert.Equal(t, event.SettlementConfirmed{User: 1, WagerID: first.ID, Side: model.SideA, Hash: paid}, events[0])

	for hash, wantNew := range map[string]bool{paid: false, short: false, wrongSide: false, elsewhere: true} {
		isNew, err := h.ledger.IsNewTransaction(h.ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, wantNew, isNew, hash)
	}
	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.TransactionsRecorded.WithLabelValues("true")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.TransactionsRecorded.WithLabelValues("false")))

	ws := h.wagers(t, 1)
	require.Len(t, ws, 2)
	assert.Equal(t, model.ConfirmationSettled, ws[0].Confirmation)
	assert.Equal(t, model.ConfirmationPending, ws[1].Confirmation)
	assert.Equal(t, model.ConfirmationPending, h.wagers(t, 2)[0].Confirmation)

	round := h.round(t)
	assert.Equal(t, "0.9", round.RateA.String())
	assert.False(t, round.RateB.Valid)

	// a second pass over the same transfers changes nothing
	require.NoError(t, h.verify.Pass(h.ctx))
	assert.Empty(t, settlementEvents(h))
	assert.Equal(t, model.ConfirmationPending, h.wagers(t, 1)[1].Confirmation)

	// a new transfer settles the next wager
	next := h.settle.Pay(testutil.PlayerWallet, testutil.WalletA, "0.03")
	require.NoError(t, h.verify.Pass(h.ctx))
	events = settlementEvents(h)
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].WagerID)
	assert.Equal(t, next, events[0].Hash)

	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.WagersSettled))
}

func TestVerifier_QueriesEachWalletOncePerPass(t *testing.T) {
	h := newHarness(t, testutil.Round(), 1, 2)
	first := testutil.PendingWager(t, h.ledger, 1, model.SideA, testutil.PlayerWallet)
	testutil.PendingWager(t, h.ledger, 1, model.SideB, testutil.PlayerWallet)
	testutil.PendingWager(t, h.ledger, 2, model.SideB, testutil.OtherWallet)

	require.NoError(t, h.verify.Pass(h.ctx))

	assert.Equal(t, []string{testutil.PlayerWallet, testutil.OtherWallet}, h.settle.Queries())
	// the history is read back to the wallet's oldest pending wager
	since := h.settle.Since()
	require.Len(t, since, 2)
	assert.True(t, first.CreatedAt.Add(-transferLookback).Equal(since[0]), "since = %s", since[0])
}

func TestLookbackStart(t *testing.T) {
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	wagers := []*model.Wager{
		{ID: 2, CreatedAt: base.Add(time.Hour)},
		{ID: 1, CreatedAt: base},
		{ID: 3, CreatedAt: base.Add(2 * time.Hour)},
	}

	assert.True(t, base.Add(-transferLookback).Equal(lookbackStart(wagers)))
}

func TestVerifier_SourceErrorIsRetriedNextPass(t *testing.T) {
	h := newHarness(t, testutil.Round(), 1)
	testutil.PendingWager(t, h.ledger, 1, model.SideB, testutil.PlayerWallet)
	h.settle.Pay(testutil.PlayerWallet, testutil.WalletB, "0.03")
	h.settle.SetError(testutil.ErrUnavailable)

	require.NoError(t, h.verify.Pass(h.ctx))
	assert.Empty(t, settlementEvents(h))
	assert.False(t, h.health.Degraded(), "an unreachable source is not a storage failure")

	h.settle.SetError(nil)
	require.NoError(t, h.verify.Pass(h.ctx))
	assert.Len(t, settlementEvents(h), 1)
}

func TestVerifier_StorageFailureDegrades(t *testing.T) {
	h := newHarness(t, testutil.Round(), 1)
	h.ledger.failing.Store(true)

	require.ErrorIs(t, h.verify.Pass(h.ctx), errStorage)
	assert.True(t, h.health.Degraded())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.VerificationPasses.WithLabelValues("storage_error")))

	h.ledger.failing.Store(false)
	require.NoError(t, h.verify.Pass(h.ctx))
	assert.False(t, h.health.Degraded())
}

func TestGroupByWallet(t *testing.T) {
	wagers := []*model.Wager{
		{ID: 1, Wallet: "0x" + strings.ToUpper(testutil.PlayerWallet[2:])},
		{ID: 2, Wallet: testutil.OtherWallet},
		{ID: 3, Wallet: testutil.PlayerWallet},
	}

	order, groups := groupByWallet(wagers)

	assert.Equal(t, []string{testutil.PlayerWallet, testutil.OtherWallet}, order)
	assert.Len(t, groups[testutil.PlayerWallet], 2)
	assert.Equal(t, int64(3), groups[testutil.PlayerWallet][1].ID)
}
