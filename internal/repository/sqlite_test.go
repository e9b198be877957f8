package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/pkg/db"
)

func newSQLiteLedger(t *testing.T) Ledger {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	l, err := NewSQLiteLedger(ctx, sqlDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteLedger(t *testing.T) {
	runLedgerContract(t, newSQLiteLedger)
}
