package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const insertActivity = `
	INSERT INTO room_activity (bucket_ts, instance_id, room, subscribers, messages, lagged)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (bucket_ts, instance_id, room) DO NOTHING
`

// ActivityWriter batches activity samples into the room_activity table.
type ActivityWriter struct {
	cfg        WriterConfig
	instanceID string
	logger     *slog.Logger

	// Input from the activity poller
	input chan ActivitySample

	// Database
	db BatchSender

	// Batching
	batch       []activityRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewActivityWriter creates a new ActivityWriter.
func NewActivityWriter(
	cfg WriterConfig,
	instanceID string,
	db BatchSender,
	logger *slog.Logger,
) *ActivityWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultWriterConfig().BufferSize
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &ActivityWriter{
		cfg:        cfg,
		instanceID: instanceID,
		db:         db,
		logger:     logger,
		input:      make(chan ActivitySample, cfg.BufferSize),
		batch:      make([]activityRow, 0, cfg.BatchSize),
		ctx:        context.Background(),
	}
}

// Start begins consuming samples and writing to the database.
func (w *ActivityWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("activity writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *ActivityWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping activity writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("activity writer stopped")
	case <-ctx.Done():
		w.logger.Warn("activity writer stop timed out")
	}

	// Samples still queued join the final flush.
drain:
	for {
		select {
		case s := <-w.input:
			w.add(s)
		default:
			break drain
		}
	}

	// Final flush runs on the stop context; the run context is gone.
	w.flushWith(ctx)

	return nil
}

// HandleSamples queues samples without blocking. Samples that do not fit are
// dropped and counted.
func (w *ActivityWriter) HandleSamples(samples []ActivitySample) {
	for _, s := range samples {
		select {
		case w.input <- s:
		default:
			w.batchMu.Lock()
			w.metrics.Dropped++
			w.batchMu.Unlock()
			w.logger.Warn("activity buffer full, dropping sample", "room", s.Room)
		}
	}
}

// Stats returns current metrics.
func (w *ActivityWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input queue and accumulates batches.
func (w *ActivityWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case s := <-w.input:
			if w.add(s) {
				w.flush()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *ActivityWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// add transforms a sample and appends it to the batch. It reports whether
// the batch is full.
func (w *ActivityWriter) add(s ActivitySample) bool {
	row := w.transform(s)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a sample to an activityRow.
func (w *ActivityWriter) transform(s ActivitySample) activityRow {
	return activityRow{
		BucketTs:    s.BucketTs.UnixMicro(),
		InstanceID:  w.instanceID,
		Room:        s.Room,
		Subscribers: s.Subscribers,
		Messages:    int64(s.Messages),
		Lagged:      int64(s.Lagged),
	}
}

func (w *ActivityWriter) flush() {
	w.flushWith(w.ctx)
}

// flushWith writes the current batch to the database.
func (w *ActivityWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]activityRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed room activity",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *ActivityWriter) batchInsert(ctx context.Context, rows []activityRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertActivity,
			r.BucketTs, r.InstanceID, r.Room, r.Subscribers, r.Messages, r.Lagged)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
