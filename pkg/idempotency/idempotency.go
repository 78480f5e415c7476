// Package idempotency stores completed actuation results keyed by the
// caller-supplied idempotency key, so a retried tool call returns the
// recorded result instead of re-driving the physical process.
package idempotency

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/twinops/twinops/pkg/twinerr"
)

// Record is one remembered execution.
type Record struct {
	// Fingerprint binds the key to the exact request it was first used
	// with. A replay with the same key but a different fingerprint is a
	// conflict, not a replay.
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Store is the backend interface. Get returns (nil, nil) on a miss;
// expired entries count as misses.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, rec Record) error
	Close() error
}

// Check looks up key and validates the fingerprint. Returns the recorded
// result on a true replay, nil on a miss, and a malformed_input error when
// the key is being reused for a different request.
func Check(ctx context.Context, s Store, key, fingerprint string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Fingerprint != fingerprint {
		return nil, twinerr.New(twinerr.CodeMalformedInput,
			"idempotency key reused with a different request")
	}
	return rec, nil
}

type memEntry struct {
	key    string
	rec    Record
	expiry time.Time
}

// Memory is an in-process LRU store with TTL eviction. Suitable for a
// single-instance agent; use the SQLite or Redis store when results must
// survive restarts or be shared.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recent
	byKey    map[string]*list.Element
	now      func() time.Time
}

// NewMemory builds a Memory store. capacity <= 0 means 4096 entries;
// ttl <= 0 means 24h.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	e := el.Value.(*memEntry)
	if m.now().After(e.expiry) {
		m.order.Remove(el)
		delete(m.byKey, key)
		return nil, nil
	}
	m.order.MoveToFront(el)
	rec := e.rec
	return &rec, nil
}

func (m *Memory) Put(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.byKey[key]; ok {
		e := el.Value.(*memEntry)
		e.rec = rec
		e.expiry = m.now().Add(m.ttl)
		m.order.MoveToFront(el)
		return nil
	}
	el := m.order.PushFront(&memEntry{key: key, rec: rec, expiry: m.now().Add(m.ttl)})
	m.byKey[key] = el
	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.byKey, oldest.Value.(*memEntry).key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
