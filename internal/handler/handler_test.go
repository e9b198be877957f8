package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/chain"
	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/service"
	"daily-wager-bot/internal/testutil"
)

const (
	adminID  int64 = 1
	playerID int64 = 2
)

type fixture struct {
	ledger repository.Ledger
	tr     *testutil.FakeTransport
	metric *testutil.FakeMetricSource
	h      *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := testutil.NewLedger(t)
	testutil.Seed(t, ledger, testutil.Round(), adminID, playerID)
	tr := testutil.NewFakeTransport()
	metric := testutil.NewFakeMetricSource(model.MetricSnapshot{
		Value: 97, Total: 5000, AsOf: time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC),
	})
	h := New(
		service.NewAccountService(ledger, metric),
		service.NewAdminService(ledger, chain.ValidateWallet),
		tr,
		func(id int64) bool { return id == adminID },
	)
	return &fixture{ledger: ledger, tr: tr, metric: metric, h: h}
}

func cmd(from int64, name string, args ...string) event.Command {
	return event.Command{From: event.Sender{ID: from}, Name: name, Args: args}
}

func (f *fixture) run(t *testing.T, c event.Command) string {
	t.Helper()
	require.NoError(t, f.h.Handle(context.Background(), c))
	return f.tr.LastTextTo(c.From.ID)
}

func TestInformationalCommands(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.Start, f.run(t, cmd(playerID, CmdStart)))
	assert.Contains(t, f.run(t, cmd(playerID, CmdHelp)), "at most <b>100</b>")
	assert.Contains(t, f.run(t, cmd(playerID, CmdHowMany)), "Last 24 hours: <b>97</b>")
	assert.Equal(t, messages.NoWagers, f.run(t, cmd(playerID, CmdStatus)))
	assert.Equal(t, messages.UnknownCommand, f.run(t, cmd(playerID, "rate")))

	last := f.tr.To(playerID)
	require.NotEmpty(t, last)
	assert.NotNil(t, last[len(last)-1].Opts.Keyboard.Reply, "replies carry the menu")
}

func TestHowMany_SourceDown(t *testing.T) {
	f := newFixture(t)
	f.metric.SetError(testutil.ErrUnavailable)

	assert.Equal(t, messages.NoMetric, f.run(t, cmd(playerID, CmdHowMany)))
}

func TestStatus_ListsWagers(t *testing.T) {
	f := newFixture(t)
	testutil.PendingWager(t, f.ledger, playerID, model.SideB, testutil.PlayerWallet)

	text := f.run(t, cmd(playerID, CmdStatus))
	assert.Contains(t, text, "Side: B, current rate N/A")
	assert.Contains(t, text, "Status: unconfirmed")
}

func TestAdminCommands_RequireAdmin(t *testing.T) {
	f := newFixture(t)

	for _, c := range []event.Command{
		cmd(playerID, CmdSetFee, "20"),
		cmd(playerID, CmdSetWallet, "A", testutil.OtherWallet),
		cmd(playerID, CmdSetDeadline, "7"),
	} {
		assert.Equal(t, messages.PermissionDenied, f.run(t, c))
	}

	round, err := f.ledger.Round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.1", round.Fee.String())
	assert.Equal(t, testutil.WalletA, round.WalletA)
}

func TestSetFeeCommand(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.SetFeeUsage, f.run(t, cmd(adminID, CmdSetFee)))
	assert.Equal(t, messages.SetFeeUsage, f.run(t, cmd(adminID, CmdSetFee, "ten")))
	assert.Equal(t, messages.SetFeeUsage, f.run(t, cmd(adminID, CmdSetFee, "100")))
	assert.Equal(t, "Fee set to 5%. Rates: A N/A, B N/A", f.run(t, cmd(adminID, CmdSetFee, "5")))
}

func TestSetWalletCommand(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.SetWalletUsage, f.run(t, cmd(adminID, CmdSetWallet, "A")))
	assert.Equal(t, messages.InvalidSide, f.run(t, cmd(adminID, CmdSetWallet, "C", testutil.OtherWallet)))
	assert.Equal(t, messages.AdminBadWallet, f.run(t, cmd(adminID, CmdSetWallet, "A", "xyz")))
	assert.Contains(t, f.run(t, cmd(adminID, CmdSetWallet, "A", testutil.OtherWallet)), testutil.OtherWallet)

	round, err := f.ledger.Round(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.OtherWallet, round.WalletA)
}

func TestSetDeadlineCommand(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, messages.SetDeadlineUsage, f.run(t, cmd(adminID, CmdSetDeadline, "noon")))
	assert.Equal(t, messages.InvalidHour, f.run(t, cmd(adminID, CmdSetDeadline, "0")))
	assert.Equal(t, messages.InvalidHour, f.run(t, cmd(adminID, CmdSetDeadline, "24")))
}

func TestRecoveryMiddleware(t *testing.T) {
	tr := testutil.NewFakeTransport()
	f := Chain(func(context.Context, event.Command) error {
		panic("boom")
	}, RecoveryMiddleware(tr))

	err := f(context.Background(), cmd(playerID, CmdHelp))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPanic))
	assert.Equal(t, messages.GenericError, tr.LastTextTo(playerID))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Func) Func {
			return func(ctx context.Context, c event.Command) error {
				order = append(order, name)
				return next(ctx, c)
			}
		}
	}

	f := Chain(func(context.Context, event.Command) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, f(context.Background(), cmd(playerID, CmdHelp)))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
