package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/pkg/db"
	"daily-wager-bot/internal/repository"
)

// Wallets used across tests.
const (
	WalletA      = "0x1111111111111111111111111111111111111111"
	WalletB      = "0x2222222222222222222222222222222222222222"
	PlayerWallet = "0xabcabcabcabcabcabcabcabcabcabcabcabcabca"
	OtherWallet  = "0xdefdefdefdefdefdefdefdefdefdefdefdefdefd"
)

// NewLedger returns an empty in-memory SQLite ledger closed at test end.
func NewLedger(t testing.TB) *repository.SQLiteLedger {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	l, err := repository.NewSQLiteLedger(ctx, sqlDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// Round returns a round open for another hour with control value 100,
// stake 0.03 and a 10% fee.
func Round() *model.Round {
	return &model.Round{
		ID:           uuid.New(),
		ControlValue: 100,
		Deadline:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Fee:          decimal.RequireFromString("0.1"),
		WagerAmount:  decimal.RequireFromString("0.03"),
		WalletA:      WalletA,
		WalletB:      WalletB,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// Seed stores round and the given users.
func Seed(t testing.TB, l repository.Ledger, round *model.Round, userIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	created, err := l.InitRound(ctx, round)
	require.NoError(t, err)
	require.True(t, created)
	for _, id := range userIDs {
		require.NoError(t, l.AddUser(ctx, &model.User{ID: id, DisplayName: "Player", State: model.StateNone}))
	}
}

// PendingWager places a wager with a wallet attached.
func PendingWager(t testing.TB, l repository.Ledger, userID int64, side model.Side, wallet string) *model.Wager {
	t.Helper()
	ctx := context.Background()
	w, err := l.AddWager(ctx, userID, side)
	require.NoError(t, err)
	w, err = l.AttachWallet(ctx, w.ID, wallet)
	require.NoError(t, err)
	return w
}
