// Package base implements peer links independent of the network medium.
// Medium specific packages (tcp, unix, pipe) only provide an IConnector.
//
// A link is one connection between two nodes. Its life cycle:
//
//  1. The dialing side connects and sends a hello frame (peer id, process
//     incarnation, listen endpoint); the accepting side answers with its own.
//  2. Both sides start a writer and a reader goroutine. Send pushes the
//     payload into a lock-free MPSC queue (lib/util) drained by the writer,
//     so senders never block on the network.
//  3. The reader delivers payloads to the registered handler one at a time,
//     in order. Data frames are numbered; a gap breaks the link.
//  4. Any read or write error breaks the link: queued payloads are dropped,
//     the connection is closed and Done is closed. Broken links are never
//     repaired, the owner dials a new one.
//
// Frame format (20 byte header, big endian):
//
//	kind (8) | sequence (8) | length (4) | payload
//
// Thread Safety:
//
//	Send, Close and Err may be called from any goroutine.
package base
