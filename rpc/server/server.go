package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/rangekv/lib/backfill"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/lib/store/dstore"
	"github.com/ValentinKolb/rangekv/lib/store/lstore"
	"github.com/ValentinKolb/rangekv/lib/store/pstore"
	"github.com/ValentinKolb/rangekv/lib/util"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/mailbox"
	"github.com/ValentinKolb/rangekv/rpc/serializer"
	"github.com/ValentinKolb/rangekv/rpc/transport"
	"github.com/ValentinKolb/rangekv/rpc/transport/tcp"
	"github.com/ValentinKolb/rangekv/rpc/transport/unix"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// TransportFactory creates the link transport of a node. tcp.NewTCPTransport,
// unix.NewUnixTransport and (*pipe.Network).Transport are factories.
type TransportFactory func(config common.ServerConfig, local transport.Hello) transport.ILinkTransport

// TransportByName returns the factory of a link transport by its config name
func TransportByName(name string) (TransportFactory, error) {
	switch name {
	case "tcp", "":
		return tcp.NewTCPTransport, nil
	case "unix":
		return unix.NewUnixTransport, nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", name)
	}
}

// KeySpan parses the region [start, end). An empty end stands for the end
// of the key space.
func KeySpan(start, end string) (region.Region, error) {
	if end == "" {
		end = region.KeyMax
	}
	kr := region.KeyRange{Start: start, End: end}
	if !kr.Valid() {
		return region.Region{}, errors.Newf("malformed key range %s", kr)
	}
	return region.New(kr), nil
}

// BackfillConfig converts the backfill section of the config, falling back to
// the defaults for unset values
func BackfillConfig(c common.BackfillConfig) backfill.Config {
	config := backfill.DefaultConfig()
	if c.Window > 0 {
		config.Window = c.Window
	}
	if c.MaxChunkBytes > 0 {
		config.MaxChunkBytes = c.MaxChunkBytes
	}
	if c.BufferCeilingBytes > 0 {
		config.BufferCeilingBytes = c.BufferCeilingBytes
	}
	config.MaxConcurrentSessions = max(c.MaxConcurrentSessions, 0)
	return config
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is one replica: a store view with its branch history, the writer of
// the region it serves, and both sides of the backfill protocol on a mailbox
// network.
//
// Usage:
//
//	n, err := server.NewNode(config, tcp.NewTCPTransport)
//	if err != nil {
//		panic(err)
//	}
//	defer n.Close()
//	if err := n.Start(); err != nil {
//		panic(err)
//	}
type Node struct {
	config      common.ServerConfig
	incarnation uint64

	mailboxes *mailbox.Manager
	view      store.IStoreView
	hist      *history.Store
	writer    *store.Writer
	serving   region.Region

	backfiller *backfill.Backfiller
	backfillee *backfill.Backfillee

	// backend resources owned by the node
	db       *pebble.DB
	nodeHost *dragonboat.NodeHost

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates a node from config. The node does not accept links before
// Start is called.
func NewNode(config common.ServerConfig, newTransport TransportFactory) (*Node, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if config.NodeID == common.NilPeer {
		return nil, errors.New("node id must not be empty")
	}
	serving, err := KeySpan(config.ServeStart, config.ServeEnd)
	if err != nil {
		return nil, errors.Wrap(err, "invalid serving range")
	}
	bfConfig := BackfillConfig(config.Backfill)
	if err := bfConfig.Validate(); err != nil {
		return nil, err
	}
	s, err := serializer.ByName(config.Serializer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:      config,
		incarnation: util.GenerateSeed(),
		serving:     serving,
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := n.openStore(); err != nil {
		n.closeBackend()
		cancel()
		return nil, err
	}
	n.writer = store.NewWriter(n.view, n.hist, serving)

	hello := transport.Hello{Peer: config.NodeID, Incarnation: n.incarnation, Endpoint: config.Transport.Endpoint}
	n.mailboxes = mailbox.NewManager(config.NodeID, n.incarnation, newTransport(config, hello), s, mailbox.Options{
		ReconnectMin: time.Duration(config.Transport.ReconnectMinMs) * time.Millisecond,
		ReconnectMax: time.Duration(config.Transport.ReconnectMaxMs) * time.Millisecond,
	})

	n.backfiller, err = backfill.NewBackfiller(n.mailboxes, n.view, n.hist, bfConfig)
	if err != nil {
		_ = n.mailboxes.Close()
		n.closeBackend()
		cancel()
		return nil, err
	}
	n.backfillee = backfill.NewBackfillee(n.mailboxes, bfConfig, backfill.NewRegistry(config.Backfill.RetainReports))

	Logger.Infof("created node %s (incarnation %x)", config.NodeID, n.incarnation)
	Logger.Infof(config.String())
	return n, nil
}

// openStore creates the store view and history of the configured backend
func (n *Node) openStore() error {
	switch n.config.StoreType {
	case common.StoreTypeMemory, "":
		n.view = lstore.NewLocalStore()
		n.hist = history.NewMemoryStore()

	case common.StoreTypePebble:
		db, err := n.openPebble("store")
		if err != nil {
			return err
		}
		n.db = db
		if n.view, err = pstore.NewPersistentStore(db); err != nil {
			return errors.Wrap(err, "open persistent store")
		}
		// branches and items share one database
		if n.hist, err = history.OpenStore(db); err != nil {
			return errors.Wrap(err, "open history")
		}

	case common.StoreTypeRaft:
		nh, err := dragonboat.NewNodeHost(n.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		n.nodeHost = nh
		if err := nh.StartConcurrentReplica(n.config.Raft.Members, false, dstore.CreateStateMachineFactory(), n.config.ToDragonboatConfig()); err != nil {
			return fmt.Errorf("failed to start shard %d: %w", n.config.Raft.ShardID, err)
		}
		n.view = dstore.NewDistributedStore(nh, n.config.Raft.ShardID, n.timeout())

		// the branch history is local to the replica
		db, err := n.openPebble("history")
		if err != nil {
			return err
		}
		n.db = db
		if n.hist, err = history.OpenStore(db); err != nil {
			return errors.Wrap(err, "open history")
		}

	default:
		return errors.Newf("unknown store type: %s", n.config.StoreType)
	}
	Logger.Infof("opened %s store view", n.config.StoreType)
	return nil
}

func (n *Node) openPebble(name string) (*pebble.DB, error) {
	if n.config.DataDir == "" {
		return nil, errors.Newf("store type %s needs a data directory", n.config.StoreType)
	}
	dir := filepath.Join(n.config.DataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble database %s", dir)
	}
	return db, nil
}

func (n *Node) timeout() time.Duration {
	if n.config.TimeoutSecond <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.config.TimeoutSecond) * time.Second
}

// Start accepts links and connects to the configured peers
func (n *Node) Start() error {
	if err := n.mailboxes.Listen(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.config.Transport.Endpoint, err)
	}
	for peer, endpoint := range n.config.Peers {
		n.Connect(peer, endpoint)
	}
	Logger.Infof("node %s listening on %s", n.config.NodeID, n.config.Transport.Endpoint)
	return nil
}

// Connect keeps a link to peer at endpoint
func (n *Node) Connect(peer common.PeerID, endpoint string) {
	n.mailboxes.Connect(peer, endpoint)
}

// Close stops all sessions, the mailbox network and the storage backend
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.wg.Wait()
		n.backfiller.Close()
		err = n.mailboxes.Close()
		if cerr := n.view.Close(); cerr != nil && err == nil {
			err = cerr
		}
		n.closeBackend()
		common.SyncLoggers()
	})
	return err
}

func (n *Node) closeBackend() {
	if n.nodeHost != nil {
		n.nodeHost.Close()
		n.nodeHost = nil
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			Logger.Warningf("failed to close pebble database: %v", err)
		}
		n.db = nil
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the id of the node in the mailbox network
func (n *Node) ID() common.PeerID {
	return n.config.NodeID
}

// Config returns the configuration the node was created with
func (n *Node) Config() common.ServerConfig {
	return n.config
}

// Serving returns the region the node accepts writes for
func (n *Node) Serving() region.Region {
	return n.serving
}

// View returns the store view of the node
func (n *Node) View() store.IStoreView {
	return n.view
}

// History returns the branch history of the node
func (n *Node) History() *history.Store {
	return n.hist
}

// Registry returns the progress registry of the node's backfill sessions
func (n *Node) Registry() *backfill.Registry {
	return n.backfillee.Registry()
}

// Mailboxes returns the mailbox network of the node
func (n *Node) Mailboxes() *mailbox.Manager {
	return n.mailboxes
}

// --------------------------------------------------------------------------
// Data operations
// --------------------------------------------------------------------------

// Put writes a key of the serving region
func (n *Node) Put(key string, value []byte) (history.Version, error) {
	return n.writer.Put(key, value)
}

// Delete removes a key of the serving region
func (n *Node) Delete(key string) (history.Version, error) {
	return n.writer.Delete(key)
}

// Get reads a key from the store view
func (n *Node) Get(key string) ([]byte, bool, error) {
	return n.view.Get(key)
}

// Metainfo returns the versions stored for r
func (n *Node) Metainfo(r region.Region) (history.Metainfo, error) {
	return n.view.ReadMetainfo(r)
}

// --------------------------------------------------------------------------
// Backfills
// --------------------------------------------------------------------------

// Backfill brings r up to date with peer and blocks until the session ends
func (n *Node) Backfill(ctx context.Context, peer common.PeerID, r region.Region, id backfill.SessionID) error {
	if peer == n.config.NodeID {
		return errors.New("a node cannot backfill from itself")
	}
	// writes to r would race with the session
	if region.Overlaps(r, n.serving) {
		return errors.Newf("region %s overlaps the serving region %s", r, n.serving)
	}
	return n.backfillee.Run(ctx, n.view, n.hist, r, backfill.PeerDescriptor(n.mailboxes, peer), id)
}

// StartBackfill runs a backfill in the background and returns its session
// id. The session ends with the node at the latest.
func (n *Node) StartBackfill(peer common.PeerID, r region.Region) (backfill.SessionID, error) {
	if err := n.ctx.Err(); err != nil {
		return uuid.Nil, errors.Wrap(err, "node closed")
	}
	if peer == n.config.NodeID {
		return uuid.Nil, errors.New("a node cannot backfill from itself")
	}
	if region.Overlaps(r, n.serving) {
		return uuid.Nil, errors.Newf("region %s overlaps the serving region %s", r, n.serving)
	}

	id := uuid.New()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Backfill(n.ctx, peer, r, id); err != nil {
			Logger.Warningf("backfill %s of %s from %s failed (%s): %v", id, r, peer, backfill.KindOf(err), err)
			return
		}
		Logger.Infof("backfill %s of %s from %s completed", id, r, peer)
	}()
	return id, nil
}
