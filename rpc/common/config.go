package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the raft store)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the raft part of the ServerConfig to a Dragonboat shard config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.Raft.ReplicaID,
		ShardID:            c.Raft.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.Raft.SnapshotEntries,
		CompactionOverhead: c.Raft.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir + "/raft",
		NodeHostDir:    c.DataDir + "/raft",
		RTTMillisecond: c.Raft.RTTMillisecond,
		RaftAddress:    c.Raft.Members[c.Raft.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// StoreType selects the store view backend of a node
type StoreType string

const (
	StoreTypeMemory StoreType = "memory" // lstore
	StoreTypePebble StoreType = "pebble" // pstore
	StoreTypeRaft   StoreType = "raft"   // dstore
)

// TransportConfig configures the peer links of the mailbox transport
type TransportConfig struct {
	// Type of the link transport: tcp or unix
	Type string
	// Endpoint this node listens on for peer links
	Endpoint string

	// Socket tuning (tcp only)
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int

	// Reconnect backoff of outbound links
	ReconnectMinMs int
	ReconnectMaxMs int
}

// BackfillConfig holds the flow control parameters of backfill sessions
type BackfillConfig struct {
	// Window is the number of chunks a backfiller may have in flight
	Window int
	// MaxChunkBytes is the size at which the backfiller cuts chunks
	MaxChunkBytes int
	// BufferCeilingBytes bounds the chunk data buffered per session
	BufferCeilingBytes int
	// RetainReports is the number of finished session reports kept for queries
	RetainReports int
	// MaxConcurrentSessions limits the backfills a node runs and serves at
	// the same time (0 means no limit)
	MaxConcurrentSessions int
}

// RaftConfig holds the Dragonboat parameters used by the raft store
type RaftConfig struct {
	ShardID            uint64
	ReplicaID          uint64
	Members            map[uint64]string
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
}

// ServerConfig holds all configuration parameters of a node.
type ServerConfig struct {
	// Identity of the node in the mailbox network
	NodeID PeerID
	// Peers maps other nodes to their transport endpoints
	Peers map[PeerID]string

	Transport  TransportConfig
	Serializer string

	// Storage
	StoreType StoreType
	DataDir   string
	// Key range [ServeStart, ServeEnd) this node accepts writes for
	ServeStart string
	ServeEnd   string

	Backfill BackfillConfig
	Raft     RaftConfig

	// Operator HTTP api
	AdminEndpoint string
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node")
	addField("Node ID", string(c.NodeID))
	addField("Admin Endpoint", c.AdminEndpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Transport
	addSection("Transport")
	addField("Type", c.Transport.Type)
	addField("Endpoint", c.Transport.Endpoint)
	addField("Serializer", c.Serializer)
	if c.Transport.Type == "tcp" {
		addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
		addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))
	}
	addField("Reconnect Backoff", fmt.Sprintf("%d-%d ms", c.Transport.ReconnectMinMs, c.Transport.ReconnectMaxMs))

	// Peers, sorted for consistent output
	addSection("Peers")
	peers := make([]string, 0, len(c.Peers))
	for p := range c.Peers {
		peers = append(peers, string(p))
	}
	sort.Strings(peers)
	for _, p := range peers {
		addField(p, c.Peers[PeerID(p)])
	}

	// Storage
	addSection("Storage")
	addField("Store Type", string(c.StoreType))
	addField("Data Directory", c.DataDir)
	addField("Serving Range", fmt.Sprintf("[%q, %q)", c.ServeStart, c.ServeEnd))

	// Backfill
	addSection("Backfill")
	addField("Window", strconv.Itoa(c.Backfill.Window))
	addField("Max Chunk Bytes", strconv.Itoa(c.Backfill.MaxChunkBytes))
	addField("Buffer Ceiling Bytes", strconv.Itoa(c.Backfill.BufferCeilingBytes))
	addField("Retained Reports", strconv.Itoa(c.Backfill.RetainReports))
	addField("Concurrent Backfills", strconv.Itoa(c.Backfill.MaxConcurrentSessions))

	if c.StoreType == StoreTypeRaft {
		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Shard ID", strconv.FormatUint(c.Raft.ShardID, 10))
		addField("Replica ID", strconv.FormatUint(c.Raft.ReplicaID, 10))
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.Raft.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.Raft.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.Raft.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.Raft.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.Raft.CompactionOverhead))

		sb.WriteString("  Initial Members:\n")
		var keys []uint64
		for k := range c.Raft.Members {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.Raft.Members[k]))
		}
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Admin client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the admin HTTP client
type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
