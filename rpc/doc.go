// Package rpc is the communication layer of rangekv: the mailbox network
// replicas use to run backfills, and the operator HTTP api.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Ordered, framed peer links with pluggable connectors
//     (TCP, Unix sockets, in-process pipes for tests).
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - mailbox: Addressable mailboxes on top of the links, and the live
//     connection state of every peer.
//
//   - server: A Node wiring store view, history, mailboxes and both sides of
//     the backfill protocol together.
//
//   - admin: The operator HTTP api of a node.
//
//   - client: The client of the admin api.
package rpc
