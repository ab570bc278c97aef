// Package transport defines the peer link abstraction the mailbox layer is
// built on.
//
// Key Components:
//
//   - ILink: an ordered, framed connection to one peer. Payloads arrive in
//     order or the link breaks; there are no retransmissions.
//
//   - ILinkTransport: creates links (Dial) and accepts them (Listen) for one
//     medium. Implementations live in the tcp, unix and pipe packages, all
//     built on the base package.
//
//   - Hello: the identity exchanged when a link is established. A changed
//     incarnation tells the other side that the peer restarted.
package transport
