package history

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownBranch is returned for operations on a branch that was never
	// recorded
	ErrUnknownBranch = errors.New("unknown branch")

	// ErrNonMonotonicTimestamp is returned when a branch would be extended to
	// a timestamp before its latest one
	ErrNonMonotonicTimestamp = errors.New("non-monotonic timestamp")

	// ErrHistoryConflict is returned when a branch id is recorded with a
	// definition different from the stored one
	ErrHistoryConflict = errors.New("history conflict")

	// ErrHistoryCorrupt is returned when the ancestry graph is inconsistent
	// (cycles, missing parents, origins outside a branch). It is fatal for
	// the operation that observed it.
	ErrHistoryCorrupt = errors.New("history corrupt")

	// ErrIncompleteMetainfo is returned when metainfo does not cover the
	// region it is used for
	ErrIncompleteMetainfo = errors.New("metainfo does not cover region")
)

// corruptf wraps a formatted message as ErrHistoryCorrupt
func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrHistoryCorrupt, format, args...)
}
