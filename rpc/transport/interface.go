package transport

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/rpc/common"
)

// --------------------------------------------------------------------------
// Links
// --------------------------------------------------------------------------

// Hello is exchanged by both ends when a link is established
type Hello struct {
	// Peer is the node id of the sender
	Peer common.PeerID
	// Incarnation changes every time the sender's process starts
	Incarnation uint64
	// Endpoint is where the sender accepts links (used to dial back)
	Endpoint string
}

func (h Hello) String() string {
	return fmt.Sprintf("%s#%x@%s", h.Peer, h.Incarnation, h.Endpoint)
}

// ILink is an ordered, framed connection to one peer. Payloads sent on a
// link arrive in send order or not at all; once a payload is lost the link
// is broken and Done is closed.
type ILink interface {
	// Remote returns the hello of the other end
	Remote() Hello
	// Send queues a payload for sending. It never blocks and returns false
	// if the link is already broken.
	Send(payload []byte) bool
	// Done is closed when the link is broken or closed
	Done() <-chan struct{}
	// Err returns the reason the link broke (nil while it is up)
	Err() error
	// Close flushes queued payloads and closes the link
	Close() error
}

// FrameHandler is called for every payload received on a link. Calls for one
// link are sequential and in order. The payload is only valid during the call.
type FrameHandler func(link ILink, payload []byte)

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

// ILinkTransport creates links to and accepts links from other nodes
type ILinkTransport interface {
	// RegisterHandler registers the handler for payloads received on any link.
	// It must be called before Listen or Dial.
	RegisterHandler(handler FrameHandler)
	// Listen starts accepting links in the background. onAccept is called for
	// every accepted link after the handshake, before its first payload is
	// delivered.
	Listen(onAccept func(ILink)) error
	// Dial establishes a link to the node listening on endpoint
	Dial(endpoint string) (ILink, error)
	// Close stops listening and closes all links
	Close() error
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}
