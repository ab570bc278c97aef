// Package server wires a replica of rangekv together.
//
// A Node owns:
//   - a store view (lstore, pstore or dstore, selected by ServerConfig.StoreType)
//     and the branch history stored next to it
//   - the Writer of the key range the node serves ([ServeStart, ServeEnd))
//   - a mailbox Manager on the configured link transport and serializer
//   - a Backfiller answering requests from peers and a Backfillee with a
//     progress Registry for sessions the node starts itself
//
// Store types:
//
//   - StoreTypeMemory: an in-memory btree store and an in-memory history.
//     Suitable for tests and development.
//
//   - StoreTypePebble: items, metainfo and branches in one pebble database
//     below DataDir/store. Every chunk is one pebble batch.
//
//   - StoreTypeRaft: a Dragonboat shard replicating the store view. The RAFT
//     parameters (ShardID, ReplicaID, Members, RTTMillisecond, ...) must be
//     configured. The history is kept in DataDir/history.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  NodeID:     "a",
//	  Peers:      map[common.PeerID]string{"b": "10.0.0.2:7000"},
//	  Transport:  common.TransportConfig{Type: "tcp", Endpoint: "0.0.0.0:7000"},
//	  StoreType:  common.StoreTypeMemory,
//	  ServeStart: "a",
//	  ServeEnd:   "m",
//	}
//
//	factory, _ := server.TransportByName(config.Transport.Type)
//	n, err := server.NewNode(config, factory)
//	if err != nil {
//	  log.Fatalf("Node error: %v", err)
//	}
//	defer n.Close()
//	if err := n.Start(); err != nil {
//	  log.Fatalf("Node error: %v", err)
//	}
//
//	id, err := n.StartBackfill("b", region.Span("m", "z"))
//
// A node never backfills the region it serves: the writer and a session would
// race on the same keys.
package server
