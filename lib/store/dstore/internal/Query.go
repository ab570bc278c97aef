package internal

import "github.com/ValentinKolb/rangekv/lib/region"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGet      QueryType = iota // Retrieve an entry by key.
	QueryTMetainfo                  // Read the metainfo of a region.
	QueryTSnapshot                  // Open a snapshot of a region on the local replica.
	QueryTInfo                      // Retrieve statistics about the local replica.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTMetainfo:
		return "Metainfo"
	case QueryTSnapshot:
		return "Snapshot"
	case QueryTInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type   QueryType     // The type of Query to perform.
	Key    string        // The key for QueryTGet.
	Region region.Region // The region for QueryTMetainfo and QueryTSnapshot.
}

// QueryResult is the result of a QueryTGet operation.
// All other query results are predefined types (history.Metainfo, store.ISnapshot, store.Info).
type QueryResult struct {
	Ok    bool
	Value []byte
}
