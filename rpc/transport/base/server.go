package base

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/rangekv/rpc/transport"
)

// Listen creates the listener and accepts links in a background goroutine
func (t *linkTransport) Listen(onAccept func(transport.ILink)) error {
	// Create listener using the connector
	listener, err := t.connector.Listen(t.config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.listener = listener

	Logger.Infof("Accepting %s links on %s as %s", t.connector.GetName(), t.local.Endpoint, t.local.Peer)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if t.closed.Load() {
					return
				}
				Logger.Errorf("Accept error: %v", err)
				continue
			}

			// Handle the connection in a goroutine
			go t.accept(conn, onAccept)
		}
	}()
	return nil
}

// accept performs the handshake for an incoming connection and starts the link
func (t *linkTransport) accept(conn net.Conn, onAccept func(transport.ILink)) {
	if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
		Logger.Errorf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	remote, err := t.handshake(conn, false)
	if err != nil {
		Logger.Warningf("Rejected connection from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	l := newLink(conn, remote, t.timeout(), t)
	if err := t.track(l); err != nil {
		return
	}
	if onAccept != nil {
		onAccept(l)
	}
	l.start(t.handler)

	Logger.Debugf("Accepted %s", l)
}
