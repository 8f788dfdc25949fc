// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET {ws_path}      WebSocket upgrade, handed to the connection manager
//	GET /health        bus connectivity and room summary (503 when the bus is down)
//	GET /debug/rooms   registry and session snapshot
//	GET {metrics_path} Prometheus exposition (when metrics are enabled)
package server
