package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/transport"
	"github.com/stretchr/testify/require"
)

// freeEndpoint returns a local endpoint that is free right now
func freeEndpoint(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := l.Addr().String()
	require.NoError(t, l.Close())
	return endpoint
}

func TestTCPLink(t *testing.T) {
	endpoint := freeEndpoint(t)
	serverConfig := common.ServerConfig{
		NodeID:        "server",
		TimeoutSecond: 5,
		Transport: common.TransportConfig{
			Type:            "tcp",
			Endpoint:        endpoint,
			TCPNoDelay:      true,
			TCPKeepAliveSec: 10,
			TCPLingerSec:    -1,
		},
	}
	server := NewTCPTransport(serverConfig, transport.Hello{Peer: "server", Incarnation: 1, Endpoint: endpoint})
	received := make(chan string, 8)
	server.RegisterHandler(func(l transport.ILink, payload []byte) {
		received <- string(l.Remote().Peer) + ":" + string(payload)
	})
	require.NoError(t, server.Listen(nil))
	defer server.Close()

	clientConfig := common.ServerConfig{NodeID: "client", Transport: common.TransportConfig{Type: "tcp", TCPLingerSec: -1}}
	client := NewTCPTransport(clientConfig, transport.Hello{Peer: "client", Incarnation: 2})
	defer client.Close()
	require.Equal(t, "tcp", client.GetName())

	link, err := client.Dial(endpoint)
	require.NoError(t, err)
	require.Equal(t, common.PeerID("server"), link.Remote().Peer)

	require.True(t, link.Send([]byte("ping")))
	select {
	case got := <-received:
		require.Equal(t, "client:ping", got)
	case <-time.After(2 * time.Second):
		t.Fatal("payload not received")
	}
}
