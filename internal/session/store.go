package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned when a session ID is unknown to a store
var ErrNotFound = errors.New("session not found")

// Store keeps session states between requests
type Store interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryStore keeps sessions in process memory. A session untouched for the
// idle TTL is dropped, and past maxSessions the least recently used one goes.
type MemoryStore struct {
	// mu keeps Load's refresh from overwriting a concurrent Save
	mu       sync.Mutex
	sessions *expirable.LRU[string, *State]
}

// NewMemoryStore creates an empty in-memory store. maxSessions <= 0 means no
// size limit and idleTTL <= 0 means sessions never expire.
func NewMemoryStore(maxSessions int, idleTTL time.Duration) *MemoryStore {
	return &MemoryStore{sessions: expirable.NewLRU[string, *State](maxSessions, nil, idleTTL)}
}

// Load returns a copy of the session and restarts its idle timer
func (m *MemoryStore) Load(ctx context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.sessions.Add(id, state)
	return state.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Add(state.ID, state.Clone())
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Remove(id)
	return nil
}

// Len returns the number of live sessions
func (m *MemoryStore) Len() int {
	return m.sessions.Len()
}

func (m *MemoryStore) Close() error {
	return nil
}
