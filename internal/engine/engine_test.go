package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/chain"
	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/flow"
	"daily-wager-bot/internal/handler"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/pkg/queue"
	"daily-wager-bot/internal/pkg/schedule"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/service"
	"daily-wager-bot/internal/testutil"
)

const adminID int64 = 99

var testTiming = Timing{
	StopLead:           20 * time.Millisecond,
	MinWait:            5 * time.Millisecond,
	MaxWait:            50 * time.Millisecond,
	VerifyInterval:     10 * time.Millisecond,
	MetricPollInterval: 10 * time.Millisecond,
	DispatchPoll:       10 * time.Millisecond,
	PollTimeout:        20 * time.Millisecond,
	IngestRetry:        5 * time.Millisecond,
	BroadcastRate:      1000,
}

var errStorage = errors.New("disk I/O error")

// flakyLedger fails state reads and pings while failing is set.
type flakyLedger struct {
	repository.Ledger
	failing atomic.Bool
}

func (f *flakyLedger) GetState(ctx context.Context, userID int64) (model.FlowState, error) {
	if f.failing.Load() {
		return "", errStorage
	}
	return f.Ledger.GetState(ctx, userID)
}

func (f *flakyLedger) Ping(ctx context.Context) error {
	if f.failing.Load() {
		return errStorage
	}
	return f.Ledger.Ping(ctx)
}

type harness struct {
	ctx     context.Context
	ledger  *flakyLedger
	tr      *testutil.FakeTransport
	metric  *testutil.FakeMetricSource
	settle  *testutil.SimulatedSettlement
	queue   *queue.Queue[event.Event]
	health  *observability.Health
	metrics *observability.Metrics

	ingest   *Ingest
	dispatch *Dispatcher
	verify   *Verifier
	coord    *Coordinator
}

var (
	asOfBefore = time.Date(2026, 10, 13, 7, 0, 0, 0, time.UTC)
	asOfAfter  = time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)
)

func newHarness(t *testing.T, round *model.Round, userIDs ...int64) *harness {
	t.Helper()

	ledger := &flakyLedger{Ledger: testutil.NewLedger(t)}
	testutil.Seed(t, ledger, round, userIDs...)

	h := &harness{
		ctx:     context.Background(),
		ledger:  ledger,
		tr:      testutil.NewFakeTransport(),
		metric:  testutil.NewFakeMetricSource(model.MetricSnapshot{Value: 97, Total: 5000, AsOf: asOfBefore}),
		settle:  testutil.NewSimulatedSettlement(),
		queue:   queue.New[event.Event](),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.health = observability.NewHealth(h.metrics)
	alerter := observability.NewAlerter(h.tr, []int64{adminID})

	account := service.NewAccountService(ledger, h.metric)
	admin := service.NewAdminService(ledger, chain.ValidateWallet)
	commands := handler.New(account, admin, h.tr, func(id int64) bool { return id == adminID })
	machine := flow.New(flow.Config{
		Ledger:         ledger,
		Sender:         h.tr,
		ValidateWallet: chain.ValidateWallet,
		QRCodeURL:      flow.QRCodeURL("https://qr.example/?data=%s"),
	})

	cutover, err := schedule.ParseCutover("0 6 * * *")
	require.NoError(t, err)

	h.ingest = NewIngest(h.tr, h.queue, h.metrics, testTiming)
	h.dispatch = NewDispatcher(DispatcherDeps{
		Queue:    h.queue,
		Ledger:   ledger,
		Account:  account,
		Commands: commands,
		Flow:     machine,
		Sender:   h.tr,
		Health:   h.health,
		Alerter:  alerter,
		Metrics:  h.metrics,
	}, testTiming)
	h.verify = NewVerifier(ledger, h.settle, h.queue, h.health, alerter, h.metrics)
	h.coord = NewCoordinator(CoordinatorDeps{
		Ledger:     ledger,
		Metric:     h.metric,
		Sender:     h.tr,
		Ingest:     h.ingest,
		Dispatcher: h.dispatch,
		Verifier:   h.verify,
		Cutover:    cutover,
		Health:     h.health,
		Alerter:    alerter,
		Metrics:    h.metrics,
	}, testTiming)
	return h
}

// dispatchAll handles every queued event in order.
func (h *harness) dispatchAll(allowBets bool) {
	for {
		ev, ok := h.queue.TryPop()
		if !ok {
			return
		}
		h.dispatch.Dispatch(h.ctx, ev, allowBets)
	}
}

func (h *harness) round(t *testing.T) *model.Round {
	t.Helper()
	r, err := h.ledger.Round(h.ctx)
	require.NoError(t, err)
	return r
}

func (h *harness) wagers(t *testing.T, userID int64) []*model.Wager {
	t.Helper()
	ws, err := h.ledger.UserWagers(h.ctx, userID)
	require.NoError(t, err)
	return ws
}

func sender(id int64) event.Sender {
	return event.Sender{ID: id, DisplayName: "Player"}
}

func command(id int64, name string, args ...string) event.Command {
	return event.Command{From: sender(id), Name: name, Args: args}
}

func text(id int64, s string) event.FreeText {
	return event.FreeText{From: sender(id), Text: s}
}

var pressSeq atomic.Int64

func press(id int64, data string) event.ButtonPress {
	return event.ButtonPress{From: sender(id), PressID: fmt.Sprintf("press-%d", pressSeq.Add(1)), Data: data}
}
