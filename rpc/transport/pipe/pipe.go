package pipe

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/transport"
	"github.com/ValentinKolb/rangekv/rpc/transport/base"
)

var (
	errListenerClosed = errors.New("pipe listener closed")
	errPartitioned    = errors.New("endpoints are partitioned")
)

// Network is an in-process network of named endpoints. Connections are
// net.Pipe pairs. Two endpoints can be partitioned, which breaks their
// connections and refuses new ones until the partition is healed.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*listener
	blocked   map[[2]string]bool
	conns     map[[2]string][]net.Conn
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*listener),
		blocked:   make(map[[2]string]bool),
		conns:     make(map[[2]string][]net.Conn),
	}
}

// pairKey returns an order independent key for two endpoints
func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Partition closes all connections between a and b and refuses new ones
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	key := pairKey(a, b)
	n.blocked[key] = true
	conns := n.conns[key]
	delete(n.conns, key)
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Heal allows connections between a and b again
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, pairKey(a, b))
}

// Transport creates a link transport for the node listening on
// config.Transport.Endpoint
func (n *Network) Transport(config common.ServerConfig, local transport.Hello) transport.ILinkTransport {
	return base.NewBaseTransport(&connector{network: n, local: config.Transport.Endpoint}, config, local)
}

// dial connects from to the listener at to
func (n *Network) dial(from, to string) (net.Conn, error) {
	n.mu.Lock()
	key := pairKey(from, to)
	if n.blocked[key] {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s -> %s: %w", from, to, errPartitioned)
	}
	l, ok := n.listeners[to]
	if !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s -> %s: connection refused", from, to)
	}
	client, server := net.Pipe()
	// recorded before handing out, so a concurrent partition closes them
	n.conns[key] = append(n.conns[key], client, server)
	n.mu.Unlock()

	select {
	case l.accept <- server:
		return client, nil
	case <-l.closed:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("dial %s -> %s: %w", from, to, errListenerClosed)
	}
}

// listen registers a listener for endpoint
func (n *Network) listen(endpoint string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[endpoint]; ok {
		return nil, fmt.Errorf("endpoint %s already in use", endpoint)
	}
	l := &listener{
		network:  n,
		endpoint: endpoint,
		accept:   make(chan net.Conn, 16),
		closed:   make(chan struct{}),
	}
	n.listeners[endpoint] = l
	return l, nil
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// listener implements net.Listener for a pipe endpoint
type listener struct {
	network   *Network
	endpoint  string
	accept    chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		delete(l.network.listeners, l.endpoint)
		l.network.mu.Unlock()
	})
	return nil
}

func (l *listener) Addr() net.Addr {
	return addr(l.endpoint)
}

// addr implements net.Addr for pipe endpoints
type addr string

func (a addr) Network() string { return "pipe" }
func (a addr) String() string  { return string(a) }

// --------------------------------------------------------------------------
// Connector (implements base.IConnector)
// --------------------------------------------------------------------------

type connector struct {
	network *Network
	local   string
}

func (c *connector) GetName() string {
	return "pipe"
}

func (c *connector) Listen(config common.ServerConfig) (net.Listener, error) {
	return c.network.listen(config.Transport.Endpoint)
}

func (c *connector) Connect(endpoint string) (net.Conn, error) {
	return c.network.dial(c.local, endpoint)
}

func (c *connector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}
