package base

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/link")

var errLinkClosed = errors.New("link closed")

// defaultHandshakeTimeout is used when the config has no timeout
const defaultHandshakeTimeout = 5 * time.Second

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the interface for transport-specific connection operations
type IConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Transport
// -----------------------------------------------------------

// linkTransport implements the link handling independent of the
// specific transport medium (unix, tcp, pipe)
type linkTransport struct {
	connector IConnector
	config    common.ServerConfig
	local     transport.Hello
	handler   transport.FrameHandler
	listener  net.Listener
	links     *xsync.MapOf[*link, struct{}]
	closed    atomic.Bool
}

// NewBaseTransport creates a link transport with the specified connector.
// local is the hello this node presents to its peers.
func NewBaseTransport(connector IConnector, config common.ServerConfig, local transport.Hello) transport.ILinkTransport {
	return &linkTransport{
		connector: connector,
		config:    config,
		local:     local,
		links:     xsync.NewMapOf[*link, struct{}](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ILinkTransport)
// --------------------------------------------------------------------------

func (t *linkTransport) RegisterHandler(handler transport.FrameHandler) {
	t.handler = handler
}

func (t *linkTransport) GetName() string {
	return t.connector.GetName()
}

func (t *linkTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.links.Range(func(l *link, _ struct{}) bool {
		l.fail(errLinkClosed)
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// timeout returns the configured io timeout (0 means none)
func (t *linkTransport) timeout() time.Duration {
	return time.Duration(t.config.TimeoutSecond) * time.Second
}

// handshakeTimeout returns the deadline used for the hello exchange
func (t *linkTransport) handshakeTimeout() time.Duration {
	if d := t.timeout(); d > 0 {
		return d
	}
	return defaultHandshakeTimeout
}

// handshake exchanges hellos on a fresh connection. The dialing side speaks
// first.
func (t *linkTransport) handshake(conn net.Conn, dialer bool) (transport.Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(t.handshakeTimeout())); err != nil {
		return transport.Hello{}, fmt.Errorf("failed to set handshake deadline: %v", err)
	}

	send := func() error {
		return writeFrame(conn, frameHello, 0, encodeHello(t.local))
	}
	receive := func() (transport.Hello, error) {
		kind, _, data, _, err := readFrame(conn, nil)
		if err != nil {
			return transport.Hello{}, err
		}
		if kind != frameHello {
			return transport.Hello{}, fmt.Errorf("expected hello, got frame kind %d", kind)
		}
		return decodeHello(data)
	}

	var remote transport.Hello
	var err error
	if dialer {
		if err = send(); err == nil {
			remote, err = receive()
		}
	} else {
		if remote, err = receive(); err == nil {
			err = send()
		}
	}
	if err != nil {
		return transport.Hello{}, fmt.Errorf("handshake failed: %v", err)
	}
	if remote.Peer == t.local.Peer {
		return transport.Hello{}, fmt.Errorf("handshake failed: connected to self (%s)", remote.Peer)
	}

	// clear the handshake deadline, the link sets its own
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return transport.Hello{}, fmt.Errorf("failed to clear handshake deadline: %v", err)
	}
	return remote, nil
}

// track registers a link so Close can reach it
func (t *linkTransport) track(l *link) error {
	t.links.Store(l, struct{}{})
	if t.closed.Load() {
		l.fail(errLinkClosed)
		return errLinkClosed
	}
	return nil
}

// forget removes a broken link
func (t *linkTransport) forget(l *link) {
	t.links.Delete(l)
}
