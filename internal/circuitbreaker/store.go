package circuitbreaker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Store persists health records. Update applies fn to the current record
// (Fresh when none exists) and returns the record before and after.
type Store interface {
	Load(ctx context.Context, keys ...Key) (map[Key]Health, error)
	Update(ctx context.Context, key Key, fn func(Health) Health) (before, after Health, err error)
	// AcquireProbe takes the single half_open probe slot for key.
	AcquireProbe(ctx context.Context, key Key, lease time.Duration) (bool, error)
	ReleaseProbe(ctx context.Context, key Key) error
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[Key]Health
	probes  map[Key]time.Time
}

// InMemoryStore is safe for concurrent use. Keys hash onto independently
// locked shards so tuples do not contend with each other.
type InMemoryStore struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	s := &InMemoryStore{ttl: ttl, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{
			records: make(map[Key]Health),
			probes:  make(map[Key]time.Time),
		}
	}
	return s
}

func (s *InMemoryStore) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%shardCount]
}

func (s *InMemoryStore) get(sh *shard, key Key) Health {
	h, ok := sh.records[key]
	if !ok {
		return Fresh(key)
	}
	if s.ttl > 0 && !h.Updated.IsZero() && s.now().Sub(h.Updated) > s.ttl {
		delete(sh.records, key)
		return Fresh(key)
	}
	return h
}

func (s *InMemoryStore) Load(ctx context.Context, keys ...Key) (map[Key]Health, error) {
	out := make(map[Key]Health, len(keys))
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		out[key] = s.get(sh, key)
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *InMemoryStore) Update(ctx context.Context, key Key, fn func(Health) Health) (Health, Health, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	before := s.get(sh, key)
	after := fn(before)
	sh.records[key] = after
	return before, after, nil
}

func (s *InMemoryStore) AcquireProbe(ctx context.Context, key Key, lease time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if until, ok := sh.probes[key]; ok && now.Before(until) {
		return false, nil
	}
	sh.probes[key] = now.Add(lease)
	return true, nil
}

func (s *InMemoryStore) ReleaseProbe(ctx context.Context, key Key) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.probes, key)
	return nil
}
