// Package kv is a small sharded in-memory key-value store with optional
// per-key TTL. It backs ephemeral state such as the peer book; durable
// chat data lives in the relational store.
package kv

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the store.
type Options struct {
	// Shards is the number of map shards (default 64).
	Shards int
	// SweepInterval is how often expired entries are purged (default 30s).
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

// Store is safe for concurrent use. Values are copied on Set and Get so
// callers cannot alias internal state.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup

	nowFn func() time.Time

	mSets   atomic.Uint64
	mGets   atomic.Uint64
	mHits   atomic.Uint64
	mMisses atomic.Uint64
	mDels   atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.closeCh)
	s.wg.Wait()
}

// FNV-1a 64
func (s *Store) shardFor(key string) *shard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

// Set stores val under key. ttl <= 0 means the entry never expires.
func (s *Store) Set(key string, val []byte, ttl time.Duration) {
	cp := make([]byte, len(val))
	copy(cp, val)
	var exp int64
	if ttl > 0 {
		exp = s.nowFn().Add(ttl).UnixNano()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = entry{val: cp, expireAt: exp}
	sh.mu.Unlock()
	s.mSets.Add(1)
}

// Get returns a copy of the value, or ok=false when absent or expired.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mGets.Add(1)
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok || (e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano()) {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	cp := make([]byte, len(e.val))
	copy(cp, e.val)
	return cp, true
}

// Delete removes a key.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
	}
}

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(prefix string) []string {
	now := s.nowFn().UnixNano()
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expireAt != 0 && e.expireAt <= now {
				continue
			}
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats is a snapshot of the store's counters.
type Stats struct {
	Sets, Gets, Hits, Misses, Deletes uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Deletes: s.mDels.Load(),
	}
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			now := s.nowFn().UnixNano()
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, e := range sh.m {
					if e.expireAt != 0 && e.expireAt <= now {
						delete(sh.m, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
