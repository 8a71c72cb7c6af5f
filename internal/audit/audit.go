// Package audit buffers generation audit rows and flushes them to the
// database in COPY batches.
//
// Audit writes are fire-and-forget from the orchestrator's point of view:
// Record never blocks a request and never fails it. When the buffer is
// full, rows are dropped and counted rather than applying backpressure,
// since an audit row is worth less than the request it describes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/storage"
	"github.com/maestro-crm/maestro/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered rows.
const maxBufferCapacity = 10_000

// Writer accumulates generation records in memory and flushes them when
// either the batch size or the flush interval is reached.
type Writer struct {
	db            *storage.DB
	logger        *slog.Logger
	maxBatch      int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []model.GenerationRecord

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewWriter creates a Writer. maxBatch rows or flushInterval elapsed, whichever
// comes first, triggers a flush.
func NewWriter(db *storage.DB, logger *slog.Logger, maxBatch int, flushInterval time.Duration) *Writer {
	if maxBatch <= 0 {
		maxBatch = 64
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Writer{
		db:            db,
		logger:        logger,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges. Call
// Drain to stop.
func (w *Writer) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.flushLoop(loopCtx)
}

// Record queues one audit row. Missing id and timestamp are filled in.
// Never returns an error: on a full buffer the row is dropped and counted.
func (w *Writer) Record(rec model.GenerationRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	w.mu.Lock()
	if len(w.pending) >= maxBufferCapacity {
		w.mu.Unlock()
		w.dropped.Add(1)
		w.logger.Error("audit: buffer full, dropping record",
			"generation_type", string(rec.Type), "user_id", rec.UserID)
		return
	}
	w.pending = append(w.pending, rec)
	full := len(w.pending) >= w.maxBatch
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final flush needs a live one.
			if w.drainCtx != nil {
				w.flush(w.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.flush(fallbackCtx)
				cancel()
			}
			close(w.done)
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	start := time.Now()
	n, err := w.db.InsertGenerations(ctx, batch)
	if err != nil {
		w.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		// Requeue for the next tick, capacity permitting.
		w.mu.Lock()
		if len(w.pending)+len(batch) <= maxBufferCapacity {
			w.pending = append(batch, w.pending...)
		} else {
			w.dropped.Add(int64(len(batch)))
			w.logger.Error("audit: dropping batch, buffer at capacity after flush failure", "dropped", len(batch))
		}
		w.mu.Unlock()
		return
	}

	w.logger.Debug("audit: batch flushed",
		"batch_size", n,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop and waits for the final flush, bounded by ctx.
func (w *Writer) Drain(ctx context.Context) {
	w.drainCtx = ctx
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("audit: drain timed out waiting for flush loop")
	}
}

func (w *Writer) registerMetrics() {
	meter := telemetry.Meter("maestro/audit")

	_, _ = meter.Int64ObservableGauge("maestro.audit.buffer_depth",
		metric.WithDescription("Current number of audit rows waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("maestro.audit.dropped_total",
		metric.WithDescription("Total audit rows dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Dropped())
			return nil
		}),
	)
}

// Len returns the current number of buffered rows.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Dropped returns the total number of rows dropped. Non-zero means audit
// data loss.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}
