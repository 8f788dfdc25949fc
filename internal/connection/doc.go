// Package connection implements the client-facing side of the relay.
//
// The Connection Manager:
//   - Upgrades HTTP requests to WebSocket sessions
//   - Runs one Session per client, decoding requests and driving the Room Registry
//   - Starts one forwarding task per (session, room) subscription
//   - Serializes every outbound frame through a single writer per session
//   - Tears sessions down on close, transport error or shutdown, releasing every held room
//
// Client is the matching relay client used by the tail command and tests.
package connection
