package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/pkg/queue"
	"daily-wager-bot/internal/pkg/schedule"
	"daily-wager-bot/internal/transport"
)

// Ingest long-polls the transport and queues decoded events.
// The cursor survives phase restarts.
type Ingest struct {
	transport   transport.Transport
	queue       *queue.Queue[event.Event]
	metrics     *observability.Metrics
	pollTimeout time.Duration
	retry       time.Duration
	cursor      int
	log         zerolog.Logger
}

// NewIngest creates an ingest worker starting at cursor 0.
func NewIngest(t transport.Transport, q *queue.Queue[event.Event], m *observability.Metrics, timing Timing) *Ingest {
	return &Ingest{
		transport:   t,
		queue:       q,
		metrics:     m,
		pollTimeout: timing.PollTimeout,
		retry:       timing.IngestRetry,
		log:         observability.Component("ingest"),
	}
}

// Cursor returns the next update id to request. Not safe to call while Run
// is executing.
func (w *Ingest) Cursor() int {
	return w.cursor
}

// Run polls until ctx is done. A poll in flight when ctx is cancelled is
// allowed to finish and its updates are still queued.
func (w *Ingest) Run(ctx context.Context) {
	w.log.Debug().Int("cursor", w.cursor).Msg("Ingest started")
	for ctx.Err() == nil {
		if err := w.poll(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Failed to poll updates")
			_ = schedule.Sleep(ctx, w.retry)
		}
	}
	w.log.Debug().Int("cursor", w.cursor).Msg("Ingest stopped")
}

func (w *Ingest) poll(ctx context.Context) error {
	updates, err := w.transport.PollEvents(context.WithoutCancel(ctx), w.cursor, w.pollTimeout)
	if err != nil {
		return err
	}

	for _, u := range updates {
		if u.ID >= w.cursor {
			w.cursor = u.ID + 1
		}
		ev, err := event.Decode(u)
		if err != nil {
			w.metrics.EventsMalformed.Inc()
			w.log.Warn().Err(err).Int("update_id", u.ID).Msg("Dropping malformed update")
			continue
		}
		w.queue.Push(ev)
		w.metrics.EventsIngested.WithLabelValues(eventKind(ev)).Inc()
	}
	w.metrics.QueueDepth.Set(float64(w.queue.Len()))
	return nil
}
