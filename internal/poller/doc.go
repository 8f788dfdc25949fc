// Package poller implements the Room Activity Poller component.
//
// The Room Activity Poller:
//   - Samples the Room Registry on a fixed interval
//   - Turns cumulative per-room counters into per-interval deltas
//   - Hands one sample per live room to the activity writer
package poller
