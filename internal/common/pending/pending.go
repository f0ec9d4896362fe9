// Package pending implements a correlation table: a map from key to a
// completion handle with a deadline. It backs both the protocol client's
// in-flight request table and the human executor's approval waits.
package pending

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a waiter's deadline fires before resolution.
	ErrTimeout = errors.New("pending: deadline exceeded")

	// ErrClosed is returned to all waiters when the table is closed.
	ErrClosed = errors.New("pending: closed")

	// ErrDuplicateKey is returned when a key is already registered.
	ErrDuplicateKey = errors.New("pending: duplicate key")
)

// Waiter is the completion handle for one pending entry.
type Waiter[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the entry is resolved, rejected, times out, or the
// context is cancelled.
func (w *Waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-w.done:
		return w.val, w.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Table tracks pending entries keyed by string. All methods are safe for
// concurrent use; each entry resolves exactly once.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	closed  bool
}

type entry[T any] struct {
	waiter *Waiter[T]
	timer  *time.Timer
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]*entry[T])}
}

// Register adds an entry under key. If timeout is positive, the entry is
// rejected with ErrTimeout once it elapses.
func (t *Table[T]) Register(key string, timeout time.Duration) (*Waiter[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.entries[key]; ok {
		return nil, ErrDuplicateKey
	}

	e := &entry[T]{waiter: &Waiter[T]{done: make(chan struct{})}}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			t.Reject(key, ErrTimeout)
		})
	}
	t.entries[key] = e
	return e.waiter, nil
}

// Resolve completes the entry under key with a value. It reports whether
// the key was pending.
func (t *Table[T]) Resolve(key string, val T) bool {
	e := t.remove(key)
	if e == nil {
		return false
	}
	e.waiter.val = val
	close(e.waiter.done)
	return true
}

// Reject completes the entry under key with an error.
func (t *Table[T]) Reject(key string, err error) bool {
	e := t.remove(key)
	if e == nil {
		return false
	}
	e.waiter.err = err
	close(e.waiter.done)
	return true
}

// RejectAll rejects every pending entry with err. The table stays usable.
func (t *Table[T]) RejectAll(err error) {
	for _, key := range t.Keys() {
		t.Reject(key, err)
	}
}

// RejectPrefix rejects every pending entry whose key starts with prefix.
func (t *Table[T]) RejectPrefix(prefix string, err error) {
	for _, key := range t.Keys() {
		if strings.HasPrefix(key, prefix) {
			t.Reject(key, err)
		}
	}
}

// Keys returns a snapshot of all pending keys.
func (t *Table[T]) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of pending entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close rejects all pending entries with ErrClosed and refuses further
// registrations.
func (t *Table[T]) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.RejectAll(ErrClosed)
}

func (t *Table[T]) remove(key string) *entry[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}
