package util

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed, falling back to the current time if the
// system source fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// HashString returns the FNV-1a hash of s mixed with seed. The raft replica
// ids of the cli are hashes of the configured replica names.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

var (
	jitterMu  sync.Mutex
	jitterRng = mrand.New(mrand.NewSource(int64(GenerateSeed())))
)

// --------------------------------------------------------------------------
// Backoff
// --------------------------------------------------------------------------

// Backoff computes exponentially growing delays with +-10% jitter.
// The zero value is not usable, use NewBackoff.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait before the next attempt and doubles the base
// delay for the attempt after that
func (b *Backoff) Next() time.Duration {
	jitterMu.Lock()
	f := 0.9 + 0.2*jitterRng.Float64()
	jitterMu.Unlock()

	d := time.Duration(float64(b.current) * f)
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset starts over at the initial delay
func (b *Backoff) Reset() {
	b.current = b.initial
}
