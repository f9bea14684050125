package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry represents a cached value
type Entry[V any] struct {
	Value     V
	Timestamp time.Time
}

// Key returns the identity of a blob: the hex sha256 of its bytes
func Key(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Memo is a bounded cache that computes each key at most once while it stays
// cached. Concurrent misses on the same key share a single computation.
type Memo[V any] struct {
	entries *lru.Cache[string, Entry[V]]
	group   singleflight.Group
}

// NewMemo creates a memo holding at most size entries
func NewMemo[V any](size int) (*Memo[V], error) {
	entries, err := lru.New[string, Entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Memo[V]{entries: entries}, nil
}

// Get returns the cached value for key, calling fill on a miss.
// hit reports whether fill was skipped. Errors from fill are not cached.
func (m *Memo[V]) Get(key string, fill func() (V, error)) (value V, hit bool, err error) {
	if e, ok := m.entries.Get(key); ok {
		return e.Value, true, nil
	}

	filled := false
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		if e, ok := m.entries.Get(key); ok {
			return e.Value, nil
		}
		val, err := fill()
		if err != nil {
			return nil, err
		}
		filled = true
		m.entries.Add(key, Entry[V]{Value: val, Timestamp: time.Now()})
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v.(V), !filled, nil
}

// Peek returns the cached entry for key without computing it
func (m *Memo[V]) Peek(key string) (Entry[V], bool) {
	return m.entries.Get(key)
}

// Len returns the number of cached entries
func (m *Memo[V]) Len() int {
	return m.entries.Len()
}
