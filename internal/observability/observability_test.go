package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/testutil"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newMetrics(t *testing.T) (*observability.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return observability.NewMetrics(reg), reg
}

func TestHealth_SetDegraded(t *testing.T) {
	m, _ := newMetrics(t)
	h := observability.NewHealth(m)

	assert.False(t, h.Degraded())
	assert.True(t, h.SetDegraded(true))
	assert.False(t, h.SetDegraded(true), "repeat is not a change")
	assert.True(t, h.Degraded())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Degraded))

	assert.True(t, h.SetDegraded(false))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Degraded))
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		degraded bool
		pingErr  error
		wantCode int
		wantBody string
	}{
		{"ok", false, nil, http.StatusOK, "ok"},
		{"degraded", true, nil, http.StatusOK, "degraded"},
		{"storage down", false, errors.New("connection refused"), http.StatusServiceUnavailable, "storage_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reg := newMetrics(t)
			h := observability.NewHealth(m)
			h.SetDegraded(tt.degraded)

			srv := httptest.NewServer(h.Handler(reg, pinger{err: tt.pingErr}))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/healthz")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m, reg := newMetrics(t)
	m.WagersSettled.Inc()
	h := observability.NewHealth(m)

	srv := httptest.NewServer(h.Handler(reg, pinger{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	count, err := promtest.GatherAndCount(reg, "wagerbot_wagers_settled_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSetPhase(t *testing.T) {
	m, _ := newMetrics(t)
	phases := []string{"betting_open", "betting_closing", "awaiting_resolution", "resolving"}

	m.SetPhase("betting_closing", phases)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.RoundPhase.WithLabelValues("betting_closing")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.RoundPhase.WithLabelValues("betting_open")))
}

func TestAlerter_Throttles(t *testing.T) {
	tr := testutil.NewFakeTransport()
	a := observability.NewAlerter(tr, []int64{10, 11})

	assert.True(t, a.Alert(context.Background(), "first"))
	assert.False(t, a.Alert(context.Background(), "second"))

	assert.Equal(t, []string{"first"}, tr.TextsTo(10))
	assert.Equal(t, []string{"first"}, tr.TextsTo(11))
}

func TestAlerter_FailedAdminDoesNotBlockOthers(t *testing.T) {
	tr := testutil.NewFakeTransport()
	tr.FailFor(10)
	a := observability.NewAlerter(tr, []int64{10, 11})

	assert.True(t, a.Alert(context.Background(), "storage down"))
	assert.Equal(t, []string{"storage down"}, tr.TextsTo(11))
}

func TestInstrumentTransport(t *testing.T) {
	m, _ := newMetrics(t)
	fake := testutil.NewFakeTransport()
	fake.FailFor(7)
	tr := observability.InstrumentTransport(fake, m)
	ctx := context.Background()

	require.NoError(t, tr.SendText(ctx, 1, "hi", nil))
	assert.ErrorIs(t, tr.SendText(ctx, 7, "hi", nil), testutil.ErrSendFailed)
	assert.ErrorIs(t, tr.AnswerButtonPress(ctx, 7, "p1", ""), testutil.ErrSendFailed)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.TransportErrors.WithLabelValues("send_text")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.TransportErrors.WithLabelValues("answer")))
	assert.Len(t, fake.Sent(), 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLevel("verbose"))
}

func TestAlerter_NotifyIsNotThrottled(t *testing.T) {
	tr := testutil.NewFakeTransport()
	a := observability.NewAlerter(tr, []int64{10})

	a.Alert(context.Background(), "down")
	a.Notify(context.Background(), "up")

	assert.Equal(t, []string{"down", "up"}, tr.TextsTo(10))
}
