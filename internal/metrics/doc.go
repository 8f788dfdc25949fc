// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Active rooms, sessions and running bus bridges
//   - Envelopes delivered to clients and messages published to the bus
//   - Messages dropped by lagging receivers
//   - Protocol errors and bridge failures
//
// Every method is safe to call on a nil *Metrics, so components can run
// without instrumentation.
package metrics
