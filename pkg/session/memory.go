package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/keylock"
)

// sessionTable is the storage behind MemoryStore: a plain map when
// unbounded, an LRU cache when MaxSessions is set.
type sessionTable interface {
	get(id string) (*Session, bool)
	put(s *Session)
	remove(id string)
	keys() []string
}

type mapTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (m *mapTable) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *mapTable) put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *mapTable) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *mapTable) keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

type lruTable struct {
	cache *lru.Cache[string, *Session]
}

func (l *lruTable) get(id string) (*Session, bool) { return l.cache.Get(id) }
func (l *lruTable) put(s *Session)                 { l.cache.Add(s.ID, s) }
func (l *lruTable) remove(id string)               { l.cache.Remove(id) }
func (l *lruTable) keys() []string                 { return l.cache.Keys() }

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	table sessionTable
	locks *keylock.KeyedMutex
	now   func() time.Time
}

// NewMemoryStore creates a new MemoryStore. maxSessions > 0 bounds the store
// and evicts the least recently used session when full; 0 keeps every session.
func NewMemoryStore(maxSessions int) (*MemoryStore, error) {
	var table sessionTable = &mapTable{sessions: make(map[string]*Session)}
	if maxSessions > 0 {
		cache, err := lru.New[string, *Session](maxSessions)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to create session cache", err)
		}
		table = &lruTable{cache: cache}
	}
	return &MemoryStore{
		table: table,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to lock session", err)
	}
	defer unlock()

	if s, ok := m.table.get(id); ok {
		return s.clone(), nil
	}
	now := m.now()
	s := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	m.table.put(s)
	return s.clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to lock session", err)
	}
	defer unlock()

	s, ok := m.table.get(id)
	if !ok {
		return nil, notFound(id)
	}
	return s.clone(), nil
}

// Append adds msgs to the session, creating it if needed. The whole batch
// lands contiguously.
func (m *MemoryStore) Append(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "session id is required", nil)
	}

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionAppend, "failed to lock session", err)
	}
	defer unlock()

	now := m.now()
	s, ok := m.table.get(id)
	if !ok {
		s = &Session{ID: id, CreatedAt: now}
	}
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		s.Messages = append(s.Messages, msg)
	}
	s.UpdatedAt = now
	m.table.put(s)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]Message, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.Messages, nil
}

func (m *MemoryStore) Evict(ctx context.Context, id string) error {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionDelete, "failed to lock session", err)
	}
	defer unlock()

	m.table.remove(id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	ids := m.table.keys()
	sort.Strings(ids)
	return ids, nil
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrCodeSessionNotFound, "session "+id+" not found", nil).
		WithDetail("session_id", id)
}
