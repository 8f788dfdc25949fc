// Package writer implements the batch writer for room activity samples.
//
// Samples arrive from the activity poller and are inserted into the
// room_activity table with pgx batches. Writes are append-only; a repeated
// (bucket_ts, instance_id, room) key is counted as a conflict and skipped.
package writer
