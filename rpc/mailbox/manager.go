package mailbox

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rangekv/lib/util"
	"github.com/ValentinKolb/rangekv/lib/watch"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/serializer"
	"github.com/ValentinKolb/rangekv/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("mailbox")

var (
	sentMessages         = metrics.GetOrCreateCounter(`rkv_mailbox_messages_sent_total`)
	receivedMessages     = metrics.GetOrCreateCounter(`rkv_mailbox_messages_received_total`)
	droppedUnreachable   = metrics.GetOrCreateCounter(`rkv_mailbox_messages_dropped_total{reason="unreachable"}`)
	droppedNoMailbox     = metrics.GetOrCreateCounter(`rkv_mailbox_messages_dropped_total{reason="no_mailbox"}`)
	droppedUndecodable   = metrics.GetOrCreateCounter(`rkv_mailbox_messages_dropped_total{reason="undecodable"}`)
	linkEstablishedTotal = metrics.GetOrCreateCounter(`rkv_mailbox_links_established_total`)
)

// envelopeHeader is the mailbox id prepended to every serialized message
const envelopeHeader = 8

// Handler receives the messages of a mailbox. It is called on the reader
// goroutine of the link the message arrived on and must not block.
type Handler func(from common.PeerID, msg *common.Message)

// Connection is the state of this node's connection to a peer
type Connection struct {
	// Connected is true while the outbound link to the peer is up
	Connected bool
	// Incarnation of the peer process as announced in its hello
	Incarnation uint64
	// Link changes every time a link to the peer is established or lost.
	// Two equal values guarantee that no message to or from the peer was
	// lost in between.
	Link uint64
}

// Options tune a Manager
type Options struct {
	// ReconnectMin and ReconnectMax bound the backoff of outbound links
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Manager routes messages between mailboxes of this node and its peers.
//
// Every peer is reached over one outbound link dialed by this node; messages
// from a peer arrive on the links it dialed. Messages to a peer without an
// outbound link are dropped, loss of a link shows up as a change of the
// peer's Connection.
type Manager struct {
	self        common.PeerID
	incarnation uint64
	serializer  serializer.IRPCSerializer
	transport   transport.ILinkTransport
	options     Options

	mailboxes *xsync.MapOf[common.MailboxID, Handler]
	nextID    atomic.Uint64
	peers     *xsync.MapOf[common.PeerID, *peer]

	loopback *util.LockFreeMPSC[loopbackMessage]
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// peer is the connection bookkeeping for one remote node
type peer struct {
	id   common.PeerID
	cell *watch.Cell[Connection]

	mu       sync.Mutex
	endpoint string
	out      transport.ILink
	dialing  bool
}

type loopbackMessage struct {
	mailbox common.MailboxID
	msg     *common.Message
}

// NewManager creates a manager for the node self. The manager registers
// itself as the frame handler of tr.
func NewManager(self common.PeerID, incarnation uint64, tr transport.ILinkTransport, s serializer.IRPCSerializer, options Options) *Manager {
	if options.ReconnectMin <= 0 {
		options.ReconnectMin = 50 * time.Millisecond
	}
	if options.ReconnectMax < options.ReconnectMin {
		options.ReconnectMax = 5 * time.Second
	}

	m := &Manager{
		self:        self,
		incarnation: incarnation,
		serializer:  s,
		transport:   tr,
		options:     options,
		mailboxes:   xsync.NewMapOf[common.MailboxID, Handler](),
		peers:       xsync.NewMapOf[common.PeerID, *peer](),
		loopback:    util.NewLockFreeMPSC[loopbackMessage](),
		stop:        make(chan struct{}),
	}
	m.nextID.Store(uint64(common.FirstDynamicMailboxID) - 1)
	tr.RegisterHandler(m.handleFrame)

	m.wg.Add(1)
	go m.deliverLoopback()
	return m
}

// Self returns the id of this node
func (m *Manager) Self() common.PeerID {
	return m.self
}

// Listen starts accepting links from peers
func (m *Manager) Listen() error {
	return m.transport.Listen(m.onAccept)
}

// Close stops all reconnect loops and closes the transport
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stop)
		m.loopback.Close()
		err = m.transport.Close()
		m.wg.Wait()
	})
	return err
}

// --------------------------------------------------------------------------
// Mailboxes
// --------------------------------------------------------------------------

// Mailbox is a registered mailbox
type Mailbox struct {
	address common.Address
	manager *Manager
	once    sync.Once
}

// Address returns the address other nodes send to
func (b *Mailbox) Address() common.Address {
	return b.address
}

// Close unregisters the mailbox. Messages arriving afterwards are dropped.
func (b *Mailbox) Close() {
	b.once.Do(func() {
		b.manager.mailboxes.Delete(b.address.Mailbox)
	})
}

// NewMailbox registers a mailbox with a fresh id
func (m *Manager) NewMailbox(handler Handler) *Mailbox {
	for {
		id := common.MailboxID(m.nextID.Add(1))
		if _, loaded := m.mailboxes.LoadOrStore(id, handler); !loaded {
			return &Mailbox{address: common.Address{Peer: m.self, Mailbox: id}, manager: m}
		}
	}
}

// RegisterMailbox registers a mailbox under a well-known id
func (m *Manager) RegisterMailbox(id common.MailboxID, handler Handler) (*Mailbox, error) {
	if id >= common.FirstDynamicMailboxID {
		return nil, fmt.Errorf("mailbox id %d is in the dynamic range", id)
	}
	if _, loaded := m.mailboxes.LoadOrStore(id, handler); loaded {
		return nil, fmt.Errorf("mailbox id %d already registered", id)
	}
	return &Mailbox{address: common.Address{Peer: m.self, Mailbox: id}, manager: m}, nil
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// Send sends msg to the mailbox at addr. It never blocks. It returns false if
// the message was dropped because the peer is not connected; a message that
// was accepted may still get lost, which then shows up as a change of the
// peer's Connection.
func (m *Manager) Send(addr common.Address, msg *common.Message) bool {
	if addr.Peer == m.self {
		if !m.loopback.Push(&loopbackMessage{mailbox: addr.Mailbox, msg: msg}) {
			droppedUnreachable.Inc()
			return false
		}
		sentMessages.Inc()
		return true
	}

	p, ok := m.peers.Load(addr.Peer)
	if !ok {
		droppedUnreachable.Inc()
		Logger.Debugf("Dropped %s to %s: unknown peer", msg, addr)
		return false
	}
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		droppedUnreachable.Inc()
		Logger.Debugf("Dropped %s to %s: not connected", msg, addr)
		return false
	}

	data, err := m.serializer.Serialize(*msg)
	if err != nil {
		Logger.Errorf("Failed to serialize %s: %v", msg, err)
		return false
	}
	payload := make([]byte, envelopeHeader+len(data))
	binary.BigEndian.PutUint64(payload[:envelopeHeader], uint64(addr.Mailbox))
	copy(payload[envelopeHeader:], data)

	if !out.Send(payload) {
		droppedUnreachable.Inc()
		return false
	}
	sentMessages.Inc()
	return true
}

// --------------------------------------------------------------------------
// Peers
// --------------------------------------------------------------------------

// peer returns the bookkeeping entry of id, creating it if needed
func (m *Manager) peer(id common.PeerID) *peer {
	p, _ := m.peers.LoadOrCompute(id, func() *peer {
		return &peer{id: id, cell: watch.NewCell(Connection{})}
	})
	return p
}

// PeerWatch returns the live connection state of a peer. Watching a peer
// this node never connected to yields a disconnected state until Connect is
// called or the peer dials in.
func (m *Manager) PeerWatch(id common.PeerID) watch.Readable[Connection] {
	if id == m.self {
		return watch.Const(Connection{Connected: true, Incarnation: m.incarnation, Link: 1})
	}
	return m.peer(id).cell
}

// Connect keeps an outbound link to the peer at endpoint. Links are
// re-established with backoff until the manager is closed. Calling Connect
// again only updates the endpoint.
func (m *Manager) Connect(id common.PeerID, endpoint string) {
	if id == m.self {
		return
	}
	p := m.peer(id)

	p.mu.Lock()
	p.endpoint = endpoint
	start := !p.dialing
	p.dialing = true
	p.mu.Unlock()

	if start {
		m.wg.Add(1)
		go m.dialLoop(p)
	}
}

// WaitConnected blocks until the outbound link to the peer is up or the
// timeout expires
func (m *Manager) WaitConnected(id common.PeerID, timeout time.Duration) (Connection, bool) {
	deadline := time.After(timeout)
	w := m.PeerWatch(id)
	for {
		c, changed := w.Changed()
		if c.Connected {
			return c, true
		}
		select {
		case <-changed:
		case <-deadline:
			return c, false
		case <-m.stop:
			return c, false
		}
	}
}

// dialLoop maintains the outbound link of a peer
func (m *Manager) dialLoop(p *peer) {
	defer m.wg.Done()
	backoff := util.NewBackoff(m.options.ReconnectMin, m.options.ReconnectMax)

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		p.mu.Lock()
		endpoint := p.endpoint
		p.mu.Unlock()

		link, err := m.transport.Dial(endpoint)
		if err == nil && link.Remote().Peer != p.id {
			err = fmt.Errorf("endpoint %s belongs to %s", endpoint, link.Remote().Peer)
			_ = link.Close()
		}
		if err != nil {
			Logger.Debugf("Failed to connect to %s: %v", p.id, err)
			select {
			case <-time.After(backoff.Next()):
				continue
			case <-m.stop:
				return
			}
		}
		backoff.Reset()

		p.mu.Lock()
		p.out = link
		p.mu.Unlock()
		p.cell.Update(func(c Connection) Connection {
			return Connection{Connected: true, Incarnation: link.Remote().Incarnation, Link: c.Link + 1}
		})
		linkEstablishedTotal.Inc()
		Logger.Infof("Connected to %s (incarnation %x)", p.id, link.Remote().Incarnation)

		select {
		case <-link.Done():
			Logger.Warningf("Lost link to %s: %v", p.id, link.Err())
		case <-m.stop:
			_ = link.Close()
		}

		p.mu.Lock()
		p.out = nil
		p.mu.Unlock()
		p.cell.Update(func(c Connection) Connection {
			return Connection{Connected: false, Incarnation: c.Incarnation, Link: c.Link + 1}
		})
	}
}

// onAccept is called for every inbound link
func (m *Manager) onAccept(link transport.ILink) {
	remote := link.Remote()
	p := m.peer(remote.Peer)

	p.mu.Lock()
	known := p.dialing
	p.mu.Unlock()

	// dial back peers that are not configured on this node
	if !known && remote.Endpoint != "" {
		Logger.Infof("Peer %s dialed in from %s, connecting back", remote.Peer, remote.Endpoint)
		m.Connect(remote.Peer, remote.Endpoint)
	}

	// messages from the peer may have been lost when its link breaks
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-link.Done():
			p.cell.Update(func(c Connection) Connection {
				c.Link++
				return c
			})
		case <-m.stop:
		}
	}()
}

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

// handleFrame decodes a payload and hands it to its mailbox
func (m *Manager) handleFrame(link transport.ILink, payload []byte) {
	if len(payload) < envelopeHeader {
		droppedUndecodable.Inc()
		Logger.Warningf("Dropped short frame from %s", link.Remote().Peer)
		return
	}
	id := common.MailboxID(binary.BigEndian.Uint64(payload[:envelopeHeader]))

	handler, ok := m.mailboxes.Load(id)
	if !ok {
		droppedNoMailbox.Inc()
		Logger.Debugf("Dropped message from %s for unknown mailbox %d", link.Remote().Peer, id)
		return
	}

	var msg common.Message
	if err := m.serializer.Deserialize(payload[envelopeHeader:], &msg); err != nil {
		droppedUndecodable.Inc()
		Logger.Warningf("Dropped undecodable message from %s: %v", link.Remote().Peer, err)
		return
	}
	receivedMessages.Inc()
	handler(link.Remote().Peer, &msg)
}

// deliverLoopback delivers messages this node sent to itself
func (m *Manager) deliverLoopback() {
	defer m.wg.Done()
	for lm := range m.loopback.Recv() {
		handler, ok := m.mailboxes.Load(lm.mailbox)
		if !ok {
			droppedNoMailbox.Inc()
			continue
		}
		receivedMessages.Inc()
		handler(m.self, lm.msg)
	}
}
