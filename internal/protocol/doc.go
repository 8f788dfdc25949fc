// Package protocol defines the relay's client wire format.
//
// Inbound text frames are JSON objects tagged by "type":
//
//	{"type": "SUBSCRIBE",    "payload": {"room": "btc"}}
//	{"type": "UNSUBSCRIBE",  "payload": {"room": "btc"}}
//	{"type": "SEND_MESSAGE", "payload": {"room": "btc", "message": "hello"}}
//
// Outbound frames are either a ServerMessage ({"room", "data"}) carrying one
// bus payload, or an ErrorMessage ({"error"}). Payloads are opaque strings.
package protocol
