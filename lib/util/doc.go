// Package util provides small building blocks shared by the node's
// networking code.
//
// The package contains:
//   - lockfreempsc: an unbounded lock-free Multi-Producer Single-Consumer (MPSC) queue. Every outbound peer link
//     feeds its writer goroutine from one, so senders never block on the network.
//   - functions: seeding and a jittered exponential Backoff used for reconnects and retries
package util
