package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Health tracks whether storage is usable. While degraded the bot answers
// informational commands but refuses new wagers.
type Health struct {
	degraded  atomic.Bool
	startTime time.Time
	metrics   *Metrics
}

// NewHealth creates a healthy tracker.
func NewHealth(m *Metrics) *Health {
	return &Health{startTime: time.Now(), metrics: m}
}

// Degraded reports whether storage is currently failing.
func (h *Health) Degraded() bool {
	return h.degraded.Load()
}

// SetDegraded updates the flag and reports whether it changed.
func (h *Health) SetDegraded(degraded bool) bool {
	changed := h.degraded.Swap(degraded) != degraded
	if changed && h.metrics != nil {
		v := 0.0
		if degraded {
			v = 1
		}
		h.metrics.Degraded.Set(v)
	}
	return changed
}

// Pinger checks storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves /metrics and /healthz.
func (h *Health) Handler(gatherer prometheus.Gatherer, db Pinger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status, code = "storage_unavailable", http.StatusServiceUnavailable
		} else if h.Degraded() {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"uptime": time.Since(h.startTime).Round(time.Second).String(),
		})
	})
	return mux
}

// Serve runs the metrics server until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
