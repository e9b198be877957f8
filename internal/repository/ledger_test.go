package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/model"
)

const (
	testWalletA = "0x1111111111111111111111111111111111111111"
	testWalletB = "0x2222222222222222222222222222222222222222"
	testPlayer  = "0xabcabcabcabcabcabcabcabcabcabcabcabcabca"
)

func testRound() *model.Round {
	return &model.Round{
		ID:           uuid.New(),
		ControlValue: 100,
		Deadline:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Fee:          decimal.RequireFromString("0.1"),
		WagerAmount:  decimal.RequireFromString("0.03"),
		WalletA:      testWalletA,
		WalletB:      testWalletB,
	}
}

// seedLedger creates a round and the given users.
func seedLedger(t *testing.T, l Ledger, userIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	created, err := l.InitRound(ctx, testRound())
	require.NoError(t, err)
	require.True(t, created)
	for _, id := range userIDs {
		require.NoError(t, l.AddUser(ctx, &model.User{ID: id, DisplayName: "user", Username: "u"}))
	}
}

// pendingWager walks a user through side choice and wallet attachment.
func pendingWager(t *testing.T, l Ledger, userID int64, side model.Side) *model.Wager {
	t.Helper()
	ctx := context.Background()
	w, err := l.AddWager(ctx, userID, side)
	require.NoError(t, err)
	w, err = l.AttachWallet(ctx, w.ID, testPlayer)
	require.NoError(t, err)
	return w
}

func recordTx(t *testing.T, l Ledger, hash string, expected bool) *model.SettlementTransaction {
	t.Helper()
	st, created, err := l.RecordTransaction(context.Background(), &model.SettlementTransaction{
		Amount:           decimal.RequireFromString("0.03"),
		Hash:             hash,
		FromWallet:       testPlayer,
		ToWallet:         testWalletA,
		IsExpectedAmount: expected,
	})
	require.NoError(t, err)
	require.True(t, created)
	return st
}

// runLedgerContract exercises the behaviour every Ledger must share.
func runLedgerContract(t *testing.T, newLedger func(t *testing.T) Ledger) {
	t.Run("users", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		isNew, err := l.IsNewUser(ctx, 1)
		require.NoError(t, err)
		assert.True(t, isNew)

		require.NoError(t, l.AddUser(ctx, &model.User{ID: 1, DisplayName: "Ann", Username: "ann"}))
		require.NoError(t, l.AddUser(ctx, &model.User{ID: 1, DisplayName: "Other", Username: "other"}))

		isNew, err = l.IsNewUser(ctx, 1)
		require.NoError(t, err)
		assert.False(t, isNew)

		u, err := l.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Ann", u.DisplayName)
		assert.Equal(t, model.StateNone, u.State)
		assert.False(t, u.HasLastWallet())

		_, err = l.GetUser(ctx, 2)
		assert.ErrorIs(t, err, ErrUserNotFound)

		require.NoError(t, l.SetState(ctx, 1, model.StateAwaitingWallet))
		state, err := l.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, model.StateAwaitingWallet, state)
		assert.ErrorIs(t, l.SetState(ctx, 99, model.StateNone), ErrUserNotFound)

		require.NoError(t, l.AddUser(ctx, &model.User{ID: 5}))
		ids, err := l.UserIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 5}, ids)
	})

	t.Run("one uncommitted wager per user", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1)
		ctx := context.Background()

		w, err := l.AddWager(ctx, 1, model.SideA)
		require.NoError(t, err)
		assert.Equal(t, model.ConfirmationUncommitted, w.Confirmation)

		_, err = l.AddWager(ctx, 1, model.SideB)
		assert.ErrorIs(t, err, ErrUncommittedWagerExists)

		_, err = l.AddWager(ctx, 1, model.Side("C"))
		assert.ErrorIs(t, err, ErrInvalidSide)

		got, err := l.UncommittedWager(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
	})

	t.Run("attach wallet is idempotent", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1)
		ctx := context.Background()

		w, err := l.AddWager(ctx, 1, model.SideA)
		require.NoError(t, err)

		attached, err := l.AttachWallet(ctx, w.ID, testPlayer)
		require.NoError(t, err)
		assert.Equal(t, model.ConfirmationPending, attached.Confirmation)
		assert.Equal(t, testPlayer, attached.Wallet)

		again, err := l.AttachWallet(ctx, w.ID, testPlayer)
		require.NoError(t, err)
		assert.Equal(t, attached.ID, again.ID)

		_, err = l.AttachWallet(ctx, w.ID, testWalletB)
		assert.ErrorIs(t, err, ErrWagerNotUncommitted)

		_, err = l.AttachWallet(ctx, 12345, testPlayer)
		assert.ErrorIs(t, err, ErrWagerNotFound)

		u, err := l.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, testPlayer, u.LastWallet)

		pending, err := l.GetPendingWagers(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		// a pending wager frees the slot for another flow
		_, err = l.AddWager(ctx, 1, model.SideB)
		assert.NoError(t, err)
	})

	t.Run("remove last wager only touches uncommitted wagers", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1)
		ctx := context.Background()

		settled := pendingWager(t, l, 1, model.SideA)
		st := recordTx(t, l, "0xhash-remove", true)
		_, err := l.MarkSettled(ctx, settled.ID, st.ID)
		require.NoError(t, err)

		removed, err := l.RemoveLastWager(ctx, 1)
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = l.AddWager(ctx, 1, model.SideB)
		require.NoError(t, err)
		removed, err = l.RemoveLastWager(ctx, 1)
		require.NoError(t, err)
		assert.True(t, removed)

		wagers, err := l.UserWagers(ctx, 1)
		require.NoError(t, err)
		require.Len(t, wagers, 1)
		assert.Equal(t, settled.ID, wagers[0].ID)
	})

	t.Run("mark settled is idempotent and refreshes rates", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1, 2)
		ctx := context.Background()

		wa := pendingWager(t, l, 1, model.SideA)
		wb := pendingWager(t, l, 2, model.SideB)
		st := recordTx(t, l, "0xhash-a", true)

		changed, err := l.MarkSettled(ctx, wa.ID, st.ID)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = l.MarkSettled(ctx, wa.ID, st.ID)
		require.NoError(t, err)
		assert.False(t, changed)

		settled, err := l.SettledWagers(ctx)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		require.NotNil(t, settled[0].SettlementTransactionID)
		assert.Equal(t, st.ID, *settled[0].SettlementTransactionID)

		round, err := l.Round(ctx)
		require.NoError(t, err)
		assert.True(t, round.RateA.Valid)
		assert.Equal(t, "0.9", round.RateA.String())
		assert.False(t, round.RateB.Valid)

		// the same transaction cannot pay for a second wager
		_, err = l.MarkSettled(ctx, wb.ID, st.ID)
		assert.ErrorIs(t, err, ErrTransactionMatched)

		other := recordTx(t, l, "0xhash-other", true)
		_, err = l.MarkSettled(ctx, wa.ID, other.ID)
		assert.ErrorIs(t, err, ErrWagerAlreadySettled)

		_, err = l.MarkSettled(ctx, wb.ID, other.ID)
		require.NoError(t, err)

		countA, err := l.CountConfirmedWagers(ctx, model.SideA)
		require.NoError(t, err)
		countB, err := l.CountConfirmedWagers(ctx, model.SideB)
		require.NoError(t, err)
		assert.Equal(t, int64(1), countA)
		assert.Equal(t, int64(1), countB)

		round, err = l.Round(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1.8", round.RateA.String())
		assert.Equal(t, "1.8", round.RateB.String())

		pending, err := l.GetAllPendingWagers(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("mark settled rejects wagers without a wallet", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1, 2)
		ctx := context.Background()

		w, err := l.AddWager(ctx, 1, model.SideA)
		require.NoError(t, err)
		st := recordTx(t, l, "0xhash-uncommitted", true)

		_, err = l.MarkSettled(ctx, w.ID, st.ID)
		assert.ErrorIs(t, err, ErrWagerNotPending)

		// user 1 still holds the uncommitted wager, so the pending one goes to user 2
		p := pendingWager(t, l, 2, model.SideB)
		_, err = l.MarkSettled(ctx, p.ID, 424242)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("transaction hash is unique", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		first := recordTx(t, l, "0xdup", false)

		isNew, err := l.IsNewTransaction(ctx, "0xdup")
		require.NoError(t, err)
		assert.False(t, isNew)

		second, created, err := l.RecordTransaction(ctx, &model.SettlementTransaction{
			Amount: decimal.RequireFromString("5"), Hash: "0xdup", FromWallet: "x", ToWallet: "y",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.Amount.Equal(decimal.RequireFromString("0.03")))
		assert.False(t, second.IsExpectedAmount)

		isNew, err = l.IsNewTransaction(ctx, "0xfresh")
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("round lifecycle", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		_, err := l.Round(ctx)
		assert.ErrorIs(t, err, ErrRoundNotFound)
		assert.ErrorIs(t, l.SetWallet(ctx, model.SideA, testWalletA), ErrRoundNotFound)

		seedLedger(t, l, 1)
		created, err := l.InitRound(ctx, testRound())
		require.NoError(t, err)
		assert.False(t, created)

		round, err := l.Round(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(100), round.ControlValue)
		assert.False(t, round.RateA.Valid)
		assert.True(t, round.MetricAsOf.IsZero())

		require.NoError(t, l.SetWallet(ctx, model.SideB, "0xnewb"))
		assert.ErrorIs(t, l.SetWallet(ctx, model.Side("X"), "0x"), ErrInvalidSide)

		deadline := time.Date(2030, 1, 2, 6, 0, 0, 0, time.UTC)
		require.NoError(t, l.SetDeadline(ctx, deadline))

		w := pendingWager(t, l, 1, model.SideA)
		st := recordTx(t, l, "0xround", true)
		_, err = l.MarkSettled(ctx, w.ID, st.ID)
		require.NoError(t, err)

		rates, err := l.SetFee(ctx, decimal.RequireFromString("0.2"))
		require.NoError(t, err)
		assert.Equal(t, "0.8", rates.A.String())

		round, err = l.Round(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0xnewb", round.WalletB)
		assert.True(t, round.Deadline.Equal(deadline))
		assert.Equal(t, "0.2", round.Fee.String())

		require.NoError(t, l.SetState(ctx, 1, model.StateShownWallet))

		next := testRound()
		next.ControlValue = 97
		next.MetricAsOf = time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
		require.NoError(t, l.ResetRound(ctx, next))

		round, err = l.Round(ctx)
		require.NoError(t, err)
		assert.Equal(t, next.ID, round.ID)
		assert.Equal(t, int64(97), round.ControlValue)
		assert.False(t, round.RateA.Valid)
		assert.True(t, round.MetricAsOf.Equal(next.MetricAsOf))

		wagers, err := l.UserWagers(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, wagers)

		state, err := l.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, model.StateNone, state)

		// wager ids keep increasing across rounds
		fresh, err := l.AddWager(ctx, 1, model.SideB)
		require.NoError(t, err)
		assert.Greater(t, fresh.ID, w.ID)
	})

	t.Run("reset wagers", func(t *testing.T) {
		l := newLedger(t)
		seedLedger(t, l, 1)
		ctx := context.Background()

		pendingWager(t, l, 1, model.SideA)
		require.NoError(t, l.ResetWagers(ctx))

		wagers, err := l.UserWagers(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, wagers)
		require.NoError(t, l.Ping(ctx))
	})
}
