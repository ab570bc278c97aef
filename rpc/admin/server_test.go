package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rangekv/lib/backfill"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/server"
	"github.com/ValentinKolb/rangekv/rpc/transport/pipe"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func nodeConfig(name, serveStart, serveEnd, peer string) common.ServerConfig {
	return common.ServerConfig{
		NodeID:     common.PeerID(name),
		Peers:      map[common.PeerID]string{common.PeerID(peer): peer},
		Transport:  common.TransportConfig{Type: "pipe", Endpoint: name, ReconnectMinMs: 5, ReconnectMaxMs: 20},
		StoreType:  common.StoreTypeMemory,
		ServeStart: serveStart,
		ServeEnd:   serveEnd,
	}
}

// newTestAPIs starts a node "a" serving nothing and a node "b" serving every
// key, each behind its own api
func newTestAPIs(t *testing.T) (a, b *httptest.Server, nodeB *server.Node) {
	t.Helper()
	network := pipe.NewNetwork()

	var nodes []*server.Node
	for _, config := range []common.ServerConfig{
		nodeConfig("a", "z", "z", "b"),
		nodeConfig("b", "", "", "a"),
	} {
		n, err := server.NewNode(config, network.Transport)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		require.NoError(t, n.Start())
		nodes = append(nodes, n)
	}
	_, ok := nodes[0].Mailboxes().WaitConnected("b", 2*time.Second)
	require.True(t, ok)
	_, ok = nodes[1].Mailboxes().WaitConnected("a", 2*time.Second)
	require.True(t, ok)

	a = httptest.NewServer(NewServer(nodes[0], true).Handler())
	b = httptest.NewServer(NewServer(nodes[1], false).Handler())
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b, nodes[1]
}

func do(t *testing.T, method, url string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestKeyRoutes(t *testing.T) {
	a, b, _ := newTestAPIs(t)

	status, body := do(t, http.MethodPut, b.URL+"/kv/users/1", []byte("alice"))
	require.Equal(t, http.StatusOK, status, string(body))
	var res WriteResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, history.Timestamp(1), res.Version.Timestamp)

	status, body = do(t, http.MethodGet, b.URL+"/kv/users/1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alice", string(body))

	status, _ = do(t, http.MethodDelete, b.URL+"/kv/users/1", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodGet, b.URL+"/kv/users/1", nil)
	require.Equal(t, http.StatusNotFound, status)

	// a serves no keys
	status, body = do(t, http.MethodPut, a.URL+"/kv/users/1", []byte("bob"))
	require.Equal(t, http.StatusBadRequest, status)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	require.Contains(t, e.Error, "served region")
}

func TestBackfillRoutes(t *testing.T) {
	a, b, _ := newTestAPIs(t)

	for i := 0; i < 10; i++ {
		status, _ := do(t, http.MethodPut, fmt.Sprintf("%s/kv/k%02d", b.URL, i), []byte("v"))
		require.Equal(t, http.StatusOK, status)
	}

	req, err := json.Marshal(BackfillRequest{Peer: "b", Start: "k", End: "l"})
	require.NoError(t, err)
	status, body := do(t, http.MethodPost, a.URL+"/backfill", req)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var started BackfillStarted
	require.NoError(t, json.Unmarshal(body, &started))

	var rep backfill.Report
	require.Eventually(t, func() bool {
		resp, err := http.Get(a.URL + "/backfill/" + started.ID.String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&rep) != nil {
			return false
		}
		return rep.State == backfill.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(10), rep.Items)
	require.True(t, rep.Region.Equal(region.Span("k", "l")))

	status, body = do(t, http.MethodGet, a.URL+"/kv/k03", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "v", string(body))

	status, body = do(t, http.MethodGet, a.URL+"/backfills", nil)
	require.Equal(t, http.StatusOK, status)
	var reports []backfill.Report
	require.NoError(t, json.Unmarshal(body, &reports))
	require.Len(t, reports, 1)
	require.Equal(t, started.ID, reports[0].ID)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/backfill", "{", http.StatusBadRequest},
		{"missing peer", http.MethodPost, "/backfill", `{"start":"k"}`, http.StatusBadRequest},
		{"malformed range", http.MethodPost, "/backfill", `{"peer":"b","start":"l","end":"k"}`, http.StatusBadRequest},
		{"from itself", http.MethodPost, "/backfill", `{"peer":"a","start":"k","end":"l"}`, http.StatusConflict},
		{"malformed id", http.MethodGet, "/backfill/nope", "", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/backfill/" + uuid.NewString(), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, tt.method, a.URL+tt.path, []byte(tt.body))
			require.Equal(t, tt.want, status)
		})
	}
}

func TestNodeStateRoutes(t *testing.T) {
	_, b, nodeB := newTestAPIs(t)

	status, _ := do(t, http.MethodPut, b.URL+"/kv/k1", []byte("v"))
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, http.MethodGet, b.URL+"/metainfo?start=k&end=l", nil)
	require.Equal(t, http.StatusOK, status)
	var meta history.Metainfo
	require.NoError(t, json.Unmarshal(body, &meta))
	want, err := nodeB.Metainfo(region.Span("k", "l"))
	require.NoError(t, err)
	require.True(t, want.Equal(meta))

	status, _ = do(t, http.MethodGet, b.URL+"/metainfo?start=l&end=k", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodGet, b.URL+"/info", nil)
	require.Equal(t, http.StatusOK, status)
	var info NodeInfo
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, common.PeerID("b"), info.ID)
	require.Equal(t, 1, info.Store.Items)
	require.Equal(t, common.StoreTypeMemory, info.Type)

	status, body = do(t, http.MethodGet, b.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.Contains(string(body), "rkv_backfill_chunks_total"))

	status, _ = do(t, http.MethodGet, b.URL+"/debug/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodGet, b.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, status)
}
