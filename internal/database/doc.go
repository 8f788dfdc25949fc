// Package database provides the TimescaleDB connection pool for room
// activity samples.
//
// The relay stores counters only (subscribers, messages, lag drops per room
// and sampling bucket), never message payloads.
package database
