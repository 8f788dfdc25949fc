// Package bus abstracts the external publish/subscribe transport that carries
// room traffic between relay processes.
//
// Three backends implement Bus:
//   - Redis pub/sub (the production default)
//   - NATS core subjects
//   - an in-process Memory bus for tests and single-node runs
//
// A room maps to exactly one bus channel through ChannelKey. The relay never
// inspects payloads.
package bus
