package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig configures a batch writer.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the input queue length. Samples beyond it are dropped.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics tracks writer throughput.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// ActivitySample is one room's counters for one sampling bucket.
type ActivitySample struct {
	BucketTs    time.Time
	Room        string
	Subscribers int
	Messages    uint64 // Bridged into the room during the bucket
	Lagged      uint64 // Skipped by slow receivers during the bucket
}

// activityRow is the room_activity row form of a sample.
type activityRow struct {
	BucketTs    int64 // Unix microseconds
	InstanceID  string
	Room        string
	Subscribers int
	Messages    int64
	Lagged      int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
