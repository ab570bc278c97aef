package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rangekv/lib/backfill"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/rpc/admin"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/server"
	"github.com/ValentinKolb/rangekv/rpc/transport/pipe"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newCluster starts a node "a" serving nothing and a node "b" serving every
// key and returns a client for each
func newCluster(t *testing.T) (a, b *AdminClient) {
	t.Helper()
	network := pipe.NewNetwork()

	configs := []common.ServerConfig{
		{NodeID: "a", Peers: map[common.PeerID]string{"b": "b"}, ServeStart: "z", ServeEnd: "z"},
		{NodeID: "b", Peers: map[common.PeerID]string{"a": "a"}},
	}
	var nodes []*server.Node
	var clients []*AdminClient
	for _, config := range configs {
		config.Transport = common.TransportConfig{Type: "pipe", Endpoint: string(config.NodeID), ReconnectMinMs: 5, ReconnectMaxMs: 20}
		n, err := server.NewNode(config, network.Transport)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		require.NoError(t, n.Start())
		nodes = append(nodes, n)

		api := httptest.NewServer(admin.NewServer(n, false).Handler())
		t.Cleanup(api.Close)

		c, err := NewAdminClient(common.ClientConfig{Endpoints: []string{api.URL}, TimeoutSecond: 5, RetryCount: 2})
		require.NoError(t, err)
		t.Cleanup(c.Close)
		clients = append(clients, c)
	}
	for i, n := range nodes {
		for peer := range configs[i].Peers {
			_, ok := n.Mailboxes().WaitConnected(peer, 2*time.Second)
			require.True(t, ok)
		}
	}
	return clients[0], clients[1]
}

func TestNewAdminClient(t *testing.T) {
	_, err := NewAdminClient(common.ClientConfig{})
	require.Error(t, err)

	c, err := NewAdminClient(common.ClientConfig{Endpoints: []string{"localhost:8080", "http://10.0.0.1:8080/api"}})
	require.NoError(t, err)
	require.Equal(t, "http", c.endpoints[0].Scheme)
	require.Equal(t, "localhost:8080", c.endpoints[0].Host)
	require.Equal(t, "/api", c.endpoints[1].Path)
}

func TestClientKeys(t *testing.T) {
	a, b := newCluster(t)
	ctx := context.Background()

	v, err := b.Put(ctx, "users/1", []byte("alice"))
	require.NoError(t, err)
	require.False(t, v.IsZero())

	val, ok, err := b.Get(ctx, "users/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", string(val))

	_, err = b.Delete(ctx, "users/1")
	require.NoError(t, err)
	_, ok, err = b.Get(ctx, "users/1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = a.Put(ctx, "users/1", []byte("bob"))
	require.ErrorContains(t, err, "served region")

	info, err := b.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, common.PeerID("b"), info.ID)
	require.Equal(t, 1, info.Store.Tombstones)

	text, err := b.Metrics(ctx)
	require.NoError(t, err)
	require.Contains(t, text, "rkv_mailbox_messages_sent_total")
}

func TestClientBackfill(t *testing.T) {
	a, b := newCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := b.Put(ctx, fmt.Sprintf("k%d", i), []byte("v"))
		require.NoError(t, err)
	}

	id, err := a.StartBackfill(ctx, "b", "k", "l")
	require.NoError(t, err)
	rep, err := a.WaitBackfill(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, backfill.StateCompleted, rep.State)
	require.Equal(t, uint64(5), rep.Items)

	reps, err := a.ListBackfills(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)

	metaA, err := a.Metainfo(ctx, "k", "l")
	require.NoError(t, err)
	metaB, err := b.Metainfo(ctx, "k", "l")
	require.NoError(t, err)
	require.True(t, metaA.Equal(metaB))
	require.True(t, metaA.Domain().Equal(region.Span("k", "l")))

	_, err = a.BackfillStatus(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	_, err = a.StartBackfill(ctx, "a", "k", "l")
	require.ErrorContains(t, err, "itself")
}

func TestClientRetriesAndRoundRobin(t *testing.T) {
	var calls, failures atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]backfill.Report{})
	}))
	defer flaky.Close()

	var other atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		other.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(admin.ErrorResponse{Error: "nope"})
	}))
	defer healthy.Close()

	c, err := NewAdminClient(common.ClientConfig{Endpoints: []string{healthy.URL, flaky.URL}, RetryCount: 3})
	require.NoError(t, err)
	defer c.Close()

	// the counter starts at the second endpoint
	reps, err := c.ListBackfills(context.Background())
	require.NoError(t, err)
	require.Empty(t, reps)
	require.Equal(t, int32(3), calls.Load())

	// client errors are not retried
	_, err = c.ListBackfills(context.Background())
	require.ErrorContains(t, err, "nope")
	require.Equal(t, int32(1), other.Load())
}
