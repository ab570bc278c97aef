package backfill

import (
	"github.com/ValentinKolb/rangekv/lib/watch"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/mailbox"
	"github.com/google/uuid"
)

// SessionID identifies a backfill session. It is minted by the caller of Run.
type SessionID = uuid.UUID

// Card is what a backfiller advertises about itself: where to send requests
// and which process incarnation serves them. Link is the generation of the
// connection the card was observed on.
type Card struct {
	Mailbox     common.Address
	Incarnation uint64
	Link        uint64
}

// Descriptor is the directory entry of a backfiller as seen by a backfillee.
//
// Present is false while the peer is not known at all, Serving is false while
// it is known but cannot take requests. A session treats any change of the
// descriptor away from the one it started with as loss of the peer.
type Descriptor struct {
	Present bool
	Serving bool
	Card    Card
}

// ExtractPeerID returns the peer of a serving backfiller or common.NilPeer
func ExtractPeerID(d Descriptor) common.PeerID {
	if !d.Present || !d.Serving {
		return common.NilPeer
	}
	return d.Card.Mailbox.Peer
}

// PeerDescriptor derives the descriptor of the backfiller on peer from the
// connection state the mailbox manager keeps. The card changes whenever a
// link to the peer is established or lost, so messages lost in between
// always surface as peer loss.
func PeerDescriptor(m *mailbox.Manager, peer common.PeerID) watch.Readable[Descriptor] {
	return watch.Map(m.PeerWatch(peer), func(c mailbox.Connection) Descriptor {
		return Descriptor{
			Present: c.Link > 0,
			Serving: c.Connected,
			Card: Card{
				Mailbox:     common.Address{Peer: peer, Mailbox: common.BackfillerMailboxID},
				Incarnation: c.Incarnation,
				Link:        c.Link,
			},
		}
	})
}
