package store

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStoreView is the versioned view of a replica's data: the items of the
// key space together with the metainfo, which maps every key to the version
// the data at that key corresponds to.
//
// A fresh view has zero metainfo over region.Universe(). All methods are
// safe for concurrent use. Errors returned by implementations are *Error
// values.
type IStoreView interface {
	// ReadMetainfo returns the metainfo restricted to r. It never blocks on
	// writers longer than a single write takes.
	ReadMetainfo(r region.Region) (history.Metainfo, error)

	// ApplyChunk writes the chunk's items and sets the metainfo of the
	// chunk's range to the chunk's version in one atomic step. A snapshot
	// chunk first removes everything in its range. Applying the same chunk
	// twice leaves the view unchanged.
	ApplyChunk(c Chunk) error

	// Write stores one item and sets the metainfo of r to v atomically. The
	// item's key must lie in r.
	Write(r region.Region, item Item, v history.Version) error

	// Get returns the value for a key. The boolean is false if the key was
	// never written or is deleted.
	Get(key string) (value []byte, loaded bool, err error)

	// Snapshot returns a consistent, immutable view of the metainfo and the
	// items in r. The snapshot must be closed.
	Snapshot(r region.Region) (ISnapshot, error)

	// Info returns statistics about the view. They are not guaranteed to be
	// up-to-date.
	Info() (Info, error)

	// Close releases the resources of the view
	Close() error
}

// ISnapshot is a point-in-time view of a store, used by backfillers to stream
// data while the store keeps serving writes.
type ISnapshot interface {
	// Metainfo returns the metainfo of the snapshot's region
	Metainfo() history.Metainfo

	// Scan calls fn for every item in rng with a recency after since, in key
	// order. Tombstones are included. Scanning stops at the first error
	// returned by fn, which Scan then returns.
	Scan(rng region.KeyRange, since history.Timestamp, fn func(Item) error) error

	// Close releases the snapshot
	Close() error
}

// Info holds statistics about a store view
type Info struct {
	Backend         string `json:"backend"`
	Items           int    `json:"items"`
	Tombstones      int    `json:"tombstones"`
	Bytes           int    `json:"bytes"`
	MetainfoEntries int    `json:"metainfoEntries"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new store error with a formatted message
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the backend.
	RetCInvalidOperation                    // 3: Invalid operation (malformed chunk, key outside region, ...).
	RetCClosed                              // 4: The store was closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
