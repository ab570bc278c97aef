package backfill

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// Config holds the flow control parameters of backfill sessions
type Config struct {
	// Window is the number of chunks the backfiller may have in flight
	Window int
	// MaxChunkBytes is the size at which the backfiller cuts chunks
	MaxChunkBytes int
	// BufferCeilingBytes bounds the chunk data a backfillee buffers
	BufferCeilingBytes int
	// MaxConcurrentSessions limits the sessions a backfillee runs, and
	// separately the sessions a backfiller serves, at the same time. Zero
	// means no limit.
	MaxConcurrentSessions int
}

// maxWindow is the largest window a backfiller accepts in a request
const maxWindow = 4096

// DefaultConfig returns the parameters used when none are configured
func DefaultConfig() Config {
	return Config{
		Window:             8,
		MaxChunkBytes:      1 << 20,
		BufferCeilingBytes: 16 << 20,
	}
}

// WindowSize is the number of credits a backfillee grants: the configured
// window, lowered so that a full window of chunks stays under the buffer
// ceiling, but at least one
func (c Config) WindowSize() int {
	w := c.Window
	if c.MaxChunkBytes > 0 && c.BufferCeilingBytes > 0 {
		w = min(w, c.BufferCeilingBytes/c.MaxChunkBytes)
	}
	return min(max(w, 1), maxWindow)
}

// Validate checks the parameters
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.Newf("backfill window must be positive, got %d", c.Window)
	}
	if c.MaxChunkBytes <= 0 {
		return errors.Newf("max chunk bytes must be positive, got %d", c.MaxChunkBytes)
	}
	if c.BufferCeilingBytes < 0 {
		return errors.Newf("buffer ceiling must not be negative, got %d", c.BufferCeilingBytes)
	}
	if c.MaxConcurrentSessions < 0 {
		return errors.Newf("max concurrent sessions must not be negative, got %d", c.MaxConcurrentSessions)
	}
	return nil
}

// newThrottle returns the semaphore limiting concurrent sessions, or nil for
// no limit
func newThrottle(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}
