package base

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/rpc/transport"
)

// Dial establishes a link to the node listening on endpoint
func (t *linkTransport) Dial(endpoint string) (transport.ILink, error) {
	if t.closed.Load() {
		return nil, errLinkClosed
	}

	// Connect to the endpoint
	conn, err := t.connector.Connect(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", endpoint, err)
	}

	remote, err := t.handshake(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %v", endpoint, err)
	}

	l := newLink(conn, remote, t.timeout(), t)
	if err := t.track(l); err != nil {
		return nil, err
	}
	l.start(t.handler)

	Logger.Debugf("Dialed %s using %s transport", l, t.connector.GetName())
	return l, nil
}
