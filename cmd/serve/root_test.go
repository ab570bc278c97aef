package serve

import (
	"testing"

	"github.com/ValentinKolb/rangekv/lib/util"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, values map[string]any) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for k, v := range values {
		viper.Set(k, v)
	}
}

func TestConfigFromViper(t *testing.T) {
	setFlags(t, map[string]any{
		"node-id":               "a",
		"peers":                 "b=10.0.0.2:7000, c=10.0.0.3:7000",
		"transport":             "tcp",
		"endpoint":              "0.0.0.0:7000",
		"store":                 "pebble",
		"data-dir":              "/var/lib/rkv",
		"serve-start":           "a",
		"serve-end":             "m",
		"backfill-window":       4,
		"backfill-max-sessions": 2,
	})

	config, err := configFromViper()
	require.NoError(t, err)
	require.Equal(t, common.PeerID("a"), config.NodeID)
	require.Equal(t, map[common.PeerID]string{"b": "10.0.0.2:7000", "c": "10.0.0.3:7000"}, config.Peers)
	require.Equal(t, common.StoreTypePebble, config.StoreType)
	require.Equal(t, "m", config.ServeEnd)
	require.Equal(t, 4, config.Backfill.Window)
	require.Equal(t, 2, config.Backfill.MaxConcurrentSessions)
	require.Equal(t, -1, config.Transport.TCPLingerSec)
}

func TestConfigFromViperRaft(t *testing.T) {
	setFlags(t, map[string]any{
		"node-id":         "a",
		"store":           "raft",
		"replica-id":      "node-1",
		"cluster-members": "node-1=localhost:63001,node-2=localhost:63002",
	})

	config, err := configFromViper()
	require.NoError(t, err)
	require.Equal(t, util.HashString("node-1", 0), config.Raft.ReplicaID)
	require.Len(t, config.Raft.Members, 2)
	require.Equal(t, "localhost:63001", config.Raft.Members[config.Raft.ReplicaID])
}

func TestConfigFromViperErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing node id", map[string]any{}},
		{"malformed peers", map[string]any{"node-id": "a", "peers": "b"}},
		{"duplicate peers", map[string]any{"node-id": "a", "peers": "b=x:1,b=y:1"}},
		{"raft without replica", map[string]any{"node-id": "a", "store": "raft", "cluster-members": "n=x:1"}},
		{"raft without members", map[string]any{"node-id": "a", "store": "raft", "replica-id": "n"}},
		{"replica not a member", map[string]any{"node-id": "a", "store": "raft", "replica-id": "n", "cluster-members": "m=x:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFlags(t, tt.values)
			_, err := configFromViper()
			require.Error(t, err)
		})
	}
}
