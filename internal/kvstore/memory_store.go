package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with per-key versions.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]*memEntry
	versions   map[string]uint64 // survives deletion so delete+recreate is detected
	seq        uint64
	now        func() time.Time
	maxRetries int
}

type memEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*memEntry),
		versions:   make(map[string]uint64),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
}

// WithClock overrides the clock used for TTL evaluation, used in tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *MemoryStore) GetHash(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, _ := s.readLocked(key)
	return fields, nil
}

func (s *MemoryStore) SetHash(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, fields)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key, ttl)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Update runs fn optimistically. Reads record the version they observed and
// the commit is rejected if any of those versions moved in the meantime.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	return runOptimistic(ctx, "memory", s.maxRetries, func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		tx := &memTxn{store: s, ws: newWriteSet(), seen: make(map[string]uint64)}
		if err := fn(tx); err != nil {
			return false, err
		}
		return !s.commit(tx), nil
	})
}

func (s *MemoryStore) commit(tx *memTxn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range tx.seen {
		if s.versions[key] != v {
			return false
		}
	}
	for _, o := range tx.ws.ops {
		switch o.kind {
		case opSet:
			s.setLocked(o.key, o.fields)
		case opDelete:
			s.deleteLocked(o.key)
		case opExpire:
			s.expireLocked(o.key, o.ttl)
		}
	}
	return true
}

// readLocked returns the live record and its version. Expired records are
// dropped on access.
func (s *MemoryStore) readLocked(key string) (map[string]string, uint64) {
	e, ok := s.data[key]
	if ok && !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.deleteLocked(key)
		ok = false
	}
	if !ok {
		return map[string]string{}, s.versions[key]
	}
	return copyFields(e.fields), s.versions[key]
}

func (s *MemoryStore) setLocked(key string, fields map[string]string) {
	s.bumpLocked(key)
	if len(fields) == 0 {
		delete(s.data, key)
		return
	}
	s.data[key] = &memEntry{fields: copyFields(fields)}
}

func (s *MemoryStore) deleteLocked(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.bumpLocked(key)
}

func (s *MemoryStore) expireLocked(key string, ttl time.Duration) {
	e, ok := s.data[key]
	if !ok {
		return
	}
	if ttl <= 0 {
		s.deleteLocked(key)
		return
	}
	e.expiresAt = s.now().Add(ttl)
	s.bumpLocked(key)
}

func (s *MemoryStore) bumpLocked(key string) {
	s.seq++
	s.versions[key] = s.seq
}

type memTxn struct {
	store *MemoryStore
	ws    *writeSet
	seen  map[string]uint64
}

func (t *memTxn) GetHash(key string) (map[string]string, error) {
	if v, ok := t.ws.lookup(key); ok {
		return v, nil
	}
	t.store.mu.Lock()
	fields, version := t.store.readLocked(key)
	t.store.mu.Unlock()

	// Keep the first observed version: a later re-read must not mask a
	// concurrent change that happened between the two reads.
	if _, ok := t.seen[key]; !ok {
		t.seen[key] = version
	}
	return fields, nil
}

func (t *memTxn) SetHash(key string, fields map[string]string) { t.ws.set(key, fields) }
func (t *memTxn) Delete(key string)                           { t.ws.del(key) }
func (t *memTxn) Expire(key string, ttl time.Duration)        { t.ws.expire(key, ttl) }
