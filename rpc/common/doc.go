// Package common provides the types shared by the rpc packages of a node.
//
// Key Components:
//
//   - Message: the envelope exchanged between mailboxes. Its fields depend on
//     the MessageType. Factory functions build the messages of the backfill
//     protocol (request, start, chunk, ack, done, cancel, error).
//
//   - Address: a mailbox on a peer. Every node serves backfill requests on
//     the well-known BackfillerMailboxID.
//
//   - ServerConfig: configuration of a node, covering transport, storage,
//     backfill flow control and the raft parameters. Provides conversion to
//     the Dragonboat configuration types.
//
//   - ClientConfig: configuration of the admin HTTP client.
//
//   - Logger: a Dragonboat logger factory that writes through zap with a
//     consistent "LEVEL | package | message" layout.
package common
