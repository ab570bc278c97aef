// Package tcp implements peer links over TCP sockets. It provides the
// TCP-specific connector for the base package, which handles framing, the
// hello handshake and the per-link reader and writer goroutines.
//
// Socket options (no delay, buffer sizes, keep-alive, linger) are taken from
// common.TransportConfig and applied to both dialed and accepted connections.
package tcp
