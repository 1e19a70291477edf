package kv

import (
	"context"
	"sync"
	"time"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]item
	done  chan struct{}
	once  sync.Once
	now   func() time.Time
}

type item struct {
	value     string
	expiresAt time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		items: make(map[string]item),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go s.cleanup()
	return s
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[key]
	if !ok || it.expired(s.now()) {
		return "", false, nil
	}
	return it.value, true, nil
}

func (s *InMemoryStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = s.newItem(value, ttl)
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *InMemoryStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[key]; ok && !it.expired(s.now()) {
		return false, nil
	}
	s.items[key] = s.newItem(value, ttl)
	return true, nil
}

func (s *InMemoryStore) newItem(value string, ttl time.Duration) item {
	it := item{value: value}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	return it
}

// Close stops the background sweeper.
func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *InMemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, it := range s.items {
				if it.expired(now) {
					delete(s.items, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
