// Package locks provides mutexes keyed by an arbitrary string id.
package locks

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Keyed hands out one mutex per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so the table only
// grows with the number of keys in use.
type Keyed struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	k := &Keyed{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*entry)
	}
	return k
}

// Lock blocks until key is held and returns the function that releases it.
func (k *Keyed) Lock(key string) func() {
	s := &k.shards[xxhash.Sum64String(key)%shardCount]

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
