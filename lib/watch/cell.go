// Package watch provides observable values: a Cell holds a value and lets
// any number of subscribers wait for the next change without polling.
//
// A subscriber calls Changed() to get the current value together with a
// channel that is closed on the next change, handles the value, and then
// selects on the channel (plus whatever else it waits for). Derived views
// (Map) compute their value from a source on every read and share the
// source's change channel, so they may report a change that does not alter
// the derived value; subscribers always re-read after a wakeup.
package watch

import "sync"

// Readable is a read-only observable value
type Readable[T comparable] interface {
	// Get returns the current value
	Get() T
	// Changed returns the current value and a channel that is closed as soon
	// as the value changes
	Changed() (T, <-chan struct{})
}

// Cell is a mutable observable value. The zero value is not usable, use
// NewCell.
type Cell[T comparable] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{}
}

// NewCell creates a cell holding v
func NewCell[T comparable](v T) *Cell[T] {
	return &Cell[T]{value: v, changed: make(chan struct{})}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Cell[T]) Changed() (T, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.changed
}

// Set stores v and wakes all subscribers. Setting an equal value is a no-op.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == c.value {
		return
	}
	c.value = v
	close(c.changed)
	c.changed = make(chan struct{})
}

// Update atomically replaces the value with fn(current)
func (c *Cell[T]) Update(fn func(T) T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := fn(c.value)
	if v == c.value {
		return
	}
	c.value = v
	close(c.changed)
	c.changed = make(chan struct{})
}

// mapped is a derived view of a Readable
type mapped[S, T comparable] struct {
	src Readable[S]
	fn  func(S) T
}

// Map returns a view of src transformed by fn. fn must be pure and cheap, it
// runs on every read.
func Map[S, T comparable](src Readable[S], fn func(S) T) Readable[T] {
	return &mapped[S, T]{src: src, fn: fn}
}

func (m *mapped[S, T]) Get() T {
	return m.fn(m.src.Get())
}

func (m *mapped[S, T]) Changed() (T, <-chan struct{}) {
	v, ch := m.src.Changed()
	return m.fn(v), ch
}

// Const returns a Readable that never changes
func Const[T comparable](v T) Readable[T] {
	return constant[T]{v: v}
}

type constant[T comparable] struct {
	v T
}

func (c constant[T]) Get() T {
	return c.v
}

func (c constant[T]) Changed() (T, <-chan struct{}) {
	// a nil channel blocks forever
	return c.v, nil
}
