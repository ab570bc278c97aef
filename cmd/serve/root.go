package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/rangekv/cmd/util"
	"github.com/ValentinKolb/rangekv/lib/util"
	"github.com/ValentinKolb/rangekv/rpc/admin"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a rangekv node",
		Long:    `Start a rangekv node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is RKV_<flag> (e.g. RKV_NODE_ID=a)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	flags := ServeCmd.PersistentFlags()

	// node identity and peers
	key := "node-id"
	flags.String(key, "", cmdUtil.WrapString("The id of this node in the mailbox network (required)"))

	key = "peers"
	flags.String(key, "", cmdUtil.WrapString("Comma-separated list of the other nodes in the format 'b=10.0.0.2:7000,c=10.0.0.3:7000'"))

	// transport
	key = "transport"
	flags.String(key, "tcp", cmdUtil.WrapString("The link transport to peers (tcp, unix)"))

	key = "serializer"
	flags.String(key, "binary", cmdUtil.WrapString("The serializer of peer messages (binary, json, gob)"))

	key = "endpoint"
	flags.String(key, "0.0.0.0:7000", cmdUtil.WrapString("The address on which peer links are accepted (e.g. 0.0.0.0:7000, /tmp/rkv.sock)"))

	key = "tcp-nodelay"
	flags.Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY on peer links"))

	key = "tcp-keepalive"
	flags.Int(key, 15, cmdUtil.WrapString("The keepalive interval of peer links in seconds (0 disables keepalive)"))

	key = "reconnect-min-ms"
	flags.Int(key, 50, cmdUtil.WrapString("The initial delay before a lost peer link is dialed again"))

	key = "reconnect-max-ms"
	flags.Int(key, 5000, cmdUtil.WrapString("The maximum delay between two dial attempts"))

	// storage
	key = "store"
	flags.String(key, "memory", cmdUtil.WrapString("The store view backend (memory, pebble, raft)"))

	key = "data-dir"
	flags.String(key, "data", cmdUtil.WrapString("The directory of the pebble databases and the raft log"))

	key = "serve-start"
	flags.String(key, "", cmdUtil.WrapString("The first key of the range this node accepts writes for"))

	key = "serve-end"
	flags.String(key, "", cmdUtil.WrapString("The end (exclusive) of the range this node accepts writes for. Empty means the end of the key space. Set it to serve-start to serve no keys"))

	// backfill
	key = "backfill-window"
	flags.Int(key, 8, cmdUtil.WrapString("The number of chunks a backfiller may have in flight"))

	key = "backfill-max-chunk-bytes"
	flags.Int(key, 1<<20, cmdUtil.WrapString("The size at which a backfiller cuts chunks"))

	key = "backfill-buffer-ceiling-bytes"
	flags.Int(key, 16<<20, cmdUtil.WrapString("The chunk data a backfillee may buffer per session. The window is lowered to fit"))

	key = "backfill-retain-reports"
	flags.Int(key, 128, cmdUtil.WrapString("The number of finished backfill reports kept for queries"))

	key = "backfill-max-sessions"
	flags.Int(key, 4, cmdUtil.WrapString("The number of backfills this node runs, and separately serves, at the same time. Further sessions wait for a free slot (0 means no limit)"))

	// raft
	key = "shard-id"
	flags.Uint64(key, 1, cmdUtil.WrapString("(raft store) The id of the raft shard"))

	key = "replica-id"
	flags.String(key, "", cmdUtil.WrapString("(raft store) The unique name of this replica (e.g. 'node-1')"))

	key = "cluster-members"
	flags.String(key, "", cmdUtil.WrapString("(raft store) Comma-separated list of replica addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "rtt-millisecond"
	flags.Uint64(key, 100, cmdUtil.WrapString("(raft store) The average round trip time between two replicas in milliseconds. Election and heartbeat timeouts are derived from this value"))

	key = "snapshot-entries"
	flags.Uint64(key, 1000, cmdUtil.WrapString("(raft store) How often the state machine is snapshotted, in applied log entries. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	flags.Uint64(key, 500, cmdUtil.WrapString("(raft store) The number of log entries kept after a snapshot"))

	// operator api
	key = "admin-endpoint"
	flags.String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address of the admin HTTP api (empty disables it)"))

	key = "timeout"
	flags.Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of raft proposals and link handshakes"))

	key = "log-level"
	flags.String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	config, err := configFromViper()
	if err != nil {
		return err
	}
	*serveCmdConfig = *config
	return nil
}

// configFromViper builds the server configuration from the bound flags
func configFromViper() (*common.ServerConfig, error) {
	config := &common.ServerConfig{
		NodeID: common.PeerID(viper.GetString("node-id")),
		Transport: common.TransportConfig{
			Type:            viper.GetString("transport"),
			Endpoint:        viper.GetString("endpoint"),
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    -1,
			ReconnectMinMs:  viper.GetInt("reconnect-min-ms"),
			ReconnectMaxMs:  viper.GetInt("reconnect-max-ms"),
		},
		Serializer: viper.GetString("serializer"),
		StoreType:  common.StoreType(viper.GetString("store")),
		DataDir:    viper.GetString("data-dir"),
		ServeStart: viper.GetString("serve-start"),
		ServeEnd:   viper.GetString("serve-end"),
		Backfill: common.BackfillConfig{
			Window:                viper.GetInt("backfill-window"),
			MaxChunkBytes:         viper.GetInt("backfill-max-chunk-bytes"),
			BufferCeilingBytes:    viper.GetInt("backfill-buffer-ceiling-bytes"),
			RetainReports:         viper.GetInt("backfill-retain-reports"),
			MaxConcurrentSessions: viper.GetInt("backfill-max-sessions"),
		},
		Raft: common.RaftConfig{
			ShardID:            viper.GetUint64("shard-id"),
			RTTMillisecond:     viper.GetUint64("rtt-millisecond"),
			SnapshotEntries:    viper.GetUint64("snapshot-entries"),
			CompactionOverhead: viper.GetUint64("compaction-overhead"),
		},
		AdminEndpoint: viper.GetString("admin-endpoint"),
		TimeoutSecond: viper.GetInt64("timeout"),
		LogLevel:      viper.GetString("log-level"),
	}

	if config.NodeID == common.NilPeer {
		return nil, fmt.Errorf("node-id is required")
	}

	peers, err := parsePairs(viper.GetString("peers"))
	if err != nil {
		return nil, fmt.Errorf("invalid peers: %w", err)
	}
	config.Peers = make(map[common.PeerID]string, len(peers))
	for id, endpoint := range peers {
		config.Peers[common.PeerID(id)] = endpoint
	}

	if config.StoreType != common.StoreTypeRaft {
		return config, nil
	}

	// parse replica id
	id := viper.GetString("replica-id")
	if id == "" {
		return nil, fmt.Errorf("replica-id is required for the raft store")
	}
	config.Raft.ReplicaID = util.HashString(id, 0)

	// parse cluster members
	members, err := parsePairs(viper.GetString("cluster-members"))
	if err != nil {
		return nil, fmt.Errorf("invalid cluster members: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("cluster-members is required for the raft store")
	}
	config.Raft.Members = make(map[uint64]string, len(members))
	for name, address := range members {
		config.Raft.Members[util.HashString(name, 0)] = address
	}

	// test if the replica id is in the cluster members
	if _, ok := config.Raft.Members[config.Raft.ReplicaID]; !ok {
		return nil, fmt.Errorf("no address found for replica %s in cluster members", id)
	}
	return config, nil
}

// parsePairs parses a comma-separated list of NAME=VALUE pairs
func parsePairs(s string) (map[string]string, error) {
	pairs := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return pairs, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid format: %q (expected NAME=ADDRESS)", pair)
		}
		if _, ok := pairs[parts[0]]; ok {
			return nil, fmt.Errorf("duplicate name %q", parts[0])
		}
		pairs[parts[0]] = parts[1]
	}
	return pairs, nil
}

// run starts the node and its admin api and blocks until a signal arrives
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	factory, err := server.TransportByName(serveCmdConfig.Transport.Type)
	if err != nil {
		return err
	}
	node, err := server.NewNode(*serveCmdConfig, factory)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			server.Logger.Errorf("failed to close node: %v", err)
		}
	}()
	if err := node.Start(); err != nil {
		return err
	}

	errs := make(chan error, 1)
	var api *admin.Server
	if serveCmdConfig.AdminEndpoint != "" {
		api = admin.NewServer(node, serveCmdConfig.LogLevel == "debug")
		go func() { errs <- api.ListenAndServe(serveCmdConfig.AdminEndpoint) }()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		server.Logger.Infof("received %s, shutting down", sig)
	case err = <-errs:
	}

	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := api.Shutdown(ctx); serr != nil {
			server.Logger.Warningf("failed to stop admin api: %v", serr)
		}
	}
	return err
}
