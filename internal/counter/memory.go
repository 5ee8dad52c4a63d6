package counter

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps counters in process memory. It is the single-process
// backend and the fallback used in tests.
type MemoryStore struct {
	mu     sync.Mutex
	stores map[Kind]*expirable.LRU[string, int64]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. Entries expire ttls after their last write.
func NewMemoryStore(ttls TTLs) *MemoryStore {
	s := &MemoryStore{stores: make(map[Kind]*expirable.LRU[string, int64])}
	for _, kind := range []Kind{KindDay, KindWeek, KindMinute} {
		s.stores[kind] = expirable.NewLRU[string, int64](0, nil, ttls.For(kind))
	}
	return s
}

func (s *MemoryStore) lru(kind Kind) *expirable.LRU[string, int64] {
	if l, ok := s.stores[kind]; ok {
		return l
	}
	return s.stores[KindDay]
}

func (s *MemoryStore) Increment(_ context.Context, key Key, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lru(key.Kind)
	current, _ := l.Get(key.ID)
	next := current + amount
	l.Add(key.ID, next)
	return next, nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, _ := s.lru(key.Kind).Get(key.ID)
	return v, nil
}

func (s *MemoryStore) InitializeFromDurable(_ context.Context, key Key, durable int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lru(key.Kind)
	current, ok := l.Get(key.ID)
	if ok && current >= durable {
		return current, nil
	}
	l.Add(key.ID, durable)
	return durable, nil
}

func (s *MemoryStore) SyncFromDurable(_ context.Context, key Key, durable int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru(key.Kind).Add(key.ID, durable)
	return nil
}

func (s *MemoryStore) Ready(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.stores {
		l.Purge()
	}
	return nil
}
