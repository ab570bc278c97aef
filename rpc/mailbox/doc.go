// Package mailbox implements addressable message delivery between nodes.
//
// A mailbox is a handler registered under an id on a node; an address is a
// (peer, mailbox id) pair. The Manager serializes messages, prefixes them
// with the target mailbox id and sends them over the outbound link to the
// peer. Well-known mailboxes (such as the backfiller) are registered under
// fixed ids, sessions get ids from the dynamic range.
//
// Delivery guarantees:
//
//   - Messages from one node to another arrive in send order.
//   - Messages may be lost, but never silently: every lost link changes the
//     peer's Connection (see PeerWatch), and a message to a peer without a
//     link is dropped right away.
//   - Handlers run on the link's reader goroutine and must not block.
//
// Peers are connected explicitly with Connect (configured peers) or
// implicitly when a peer dials in and announces its endpoint.
package mailbox
