// Package fanout implements the per-room local broadcast channel.
//
// A Channel is a fixed-size ring written by exactly one producer (the room's
// bus bridge) and read by any number of Receivers (one per forwarding task).
// Send never blocks: when the ring is full the oldest value is overwritten,
// and a Receiver that had not read it yet observes a LagError reporting how
// many values it missed before resuming from the oldest retained value.
package fanout
