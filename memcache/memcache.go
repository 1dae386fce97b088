package memcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// NeverExpires disables time based expiration for an entry or a store.
const NeverExpires time.Duration = -1

type entry struct {
	key        string
	payload    []byte
	cost       int64
	created    time.Time
	lastAccess time.Time
	ttl        time.Duration
	elem       *list.Element
}

func (e *entry) stale(now time.Time) bool {
	if e.ttl < 0 {
		return false
	}
	return now.After(e.lastAccess.Add(e.ttl))
}

// Store is an in-process key to payload cache with a total cost budget, a
// count budget, sliding per-entry expiration and a background sweeper.
//
// All operations are synchronous and safe for concurrent use.
type Store struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config

	entries   map[string]*entry
	lru       *list.List // front = most recently used
	totalCost int64
}

// New returns a new memory Store. The sweeper goroutine is stopped when
// parent is cancelled or Close is called.
func New(parent context.Context, opts ...Option) *Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

// Get returns the payload for key, refreshing its last access time. A stale
// entry is removed and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	now := time.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.stale(now) {
		s.removeLocked(e)
		return nil, false
	}
	e.lastAccess = now
	s.lru.MoveToFront(e.elem)
	return e.payload, true
}

// Set stores payload under key. A cost of zero means len(payload). A ttl of
// zero means the store default; NeverExpires disables expiration. An entry
// whose cost alone exceeds the total cost budget is not stored.
func (s *Store) Set(key string, payload []byte, cost int64, ttl time.Duration) {
	if cost <= 0 {
		cost = int64(len(payload))
	}
	if ttl == 0 {
		ttl = s.cfg.defaultTTL
	}
	if s.cfg.totalCostLimit > 0 && cost > s.cfg.totalCostLimit {
		return
	}
	now := time.Now()
	s.mutex.Lock()
	if e, ok := s.entries[key]; ok {
		s.totalCost += cost - e.cost
		e.payload = payload
		e.cost = cost
		e.ttl = ttl
		e.created = now
		e.lastAccess = now
		s.lru.MoveToFront(e.elem)
	} else {
		e := &entry{
			key:        key,
			payload:    payload,
			cost:       cost,
			ttl:        ttl,
			created:    now,
			lastAccess: now,
		}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
		s.totalCost += cost
	}
	evicted := s.evictLocked()
	hook := s.cfg.onEvicted
	s.mutex.Unlock()
	if hook != nil {
		for _, k := range evicted {
			hook(k)
		}
	}
}

// Remove deletes key, reporting whether it was present.
func (s *Store) Remove(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key]
	if ok {
		s.removeLocked(e)
	}
	return ok
}

// RemoveAll drops every entry.
func (s *Store) RemoveAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = make(map[string]*entry)
	s.lru.Init()
	s.totalCost = 0
}

// RemoveExpired drops every stale entry and returns their keys.
func (s *Store) RemoveExpired() []string {
	now := time.Now()
	s.mutex.Lock()
	var removed []string
	for _, e := range s.entries {
		if e.stale(now) {
			removed = append(removed, e.key)
			s.removeLocked(e)
		}
	}
	evicted := s.cfg.onEvicted
	s.mutex.Unlock()
	if evicted != nil {
		for _, key := range removed {
			evicted(key)
		}
	}
	return removed
}

// Contains reports whether key holds a fresh entry without refreshing its
// access time.
func (s *Store) Contains(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key]
	return ok && !e.stale(time.Now())
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// TotalCost returns the sum of the costs of all entries.
func (s *Store) TotalCost() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.totalCost
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
}

// removeLocked unlinks e from the map and the lru list. Caller holds the lock.
func (s *Store) removeLocked(e *entry) {
	delete(s.entries, e.key)
	s.lru.Remove(e.elem)
	s.totalCost -= e.cost
}

// evictLocked drops least recently used entries until both budgets are
// satisfied, returning the evicted keys. Caller holds the lock.
func (s *Store) evictLocked() []string {
	var evicted []string
	for s.overBudgetLocked() {
		back := s.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		s.removeLocked(e)
		evicted = append(evicted, e.key)
	}
	return evicted
}

func (s *Store) overBudgetLocked() bool {
	if s.cfg.totalCostLimit > 0 && s.totalCost > s.cfg.totalCostLimit {
		return true
	}
	if s.cfg.countLimit > 0 && len(s.entries) > s.cfg.countLimit {
		return true
	}
	return false
}

func (s *Store) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RemoveExpired()
		}
	}
}
