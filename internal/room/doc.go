// Package room implements the Room Registry and the Bus Bridge.
//
// The Room Registry:
//   - Maps a room name to its local fan-out channel and subscriber count
//   - Starts one Bus Bridge per room on the first local subscriber
//   - Stops the bridge and drops the room when the last subscriber leaves
//   - Routes every publish through the bus, local rooms included
//
// A room entry exists exactly while its count is positive. Bus I/O never
// happens while the registry lock is held.
package room
