package storage

import (
	"sync"

	"flashkv/pkg/storage/structure"

	"github.com/google/btree"
)

// Cache speeds up lookups by remembering where the newest record of a key
// lives. A cache must only ever be used with one range and must see every
// change made to it; otherwise it has to be Reset.
type Cache interface {
	// Lookup returns the address of the newest record for key, if known.
	Lookup(key []byte) (uint32, bool)
	// Absent reports that key certainly has no record.
	Absent(key []byte) bool
	// Notify records addr as the newest record for key.
	Notify(key []byte, addr uint32)
	// Forget drops what is known about key once its records are removed.
	Forget(key []byte)
	// Evict drops every pointer into [from, to) before it is erased.
	Evict(from, to uint32)
	// Reset empties the cache.
	Reset()
	// Complete declares that every key stored in the range has been
	// reported through Notify since the last Reset.
	Complete()
}

// NoCache remembers nothing; every lookup scans the flash.
type NoCache struct{}

func (NoCache) Lookup([]byte) (uint32, bool) { return 0, false }
func (NoCache) Absent([]byte) bool           { return false }
func (NoCache) Notify([]byte, uint32)        {}
func (NoCache) Forget([]byte)                {}
func (NoCache) Evict(uint32, uint32)         {}
func (NoCache) Reset()                       {}
func (NoCache) Complete()                    {}

type pointer struct {
	key  string
	addr uint32
	used uint64
}

func (p pointer) Less(than btree.Item) bool {
	return p.key < than.(pointer).key
}

// KeyPointerCache keeps the addresses of up to capacity recently used keys
// in a btree, evicting the least recently used one. A bloom filter over
// every notified key answers Absent once the cache has been completed.
type KeyPointerCache struct {
	mu       sync.Mutex
	tree     *btree.BTree
	capacity int
	clock    uint64
	bloom    *structure.BloomFilter
	complete bool
}

// NewKeyPointerCache sizes the bloom filter for expectedKeys with a 1%
// false positive rate.
func NewKeyPointerCache(capacity int, expectedKeys uint) *KeyPointerCache {
	if capacity < 1 {
		capacity = 1
	}
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &KeyPointerCache{
		tree:     btree.New(8),
		capacity: capacity,
		bloom:    structure.NewBloomFilter(expectedKeys, 0.01),
	}
}

func (c *KeyPointerCache) Lookup(key []byte) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.tree.Get(pointer{key: string(key)})
	if res == nil {
		return 0, false
	}
	p := res.(pointer)
	c.clock++
	p.used = c.clock
	c.tree.ReplaceOrInsert(p)
	return p.addr, true
}

func (c *KeyPointerCache) Absent(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete && !c.bloom.Contains(key)
}

func (c *KeyPointerCache) Notify(key []byte, addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bloom.Add(key)
	c.clock++
	c.tree.ReplaceOrInsert(pointer{key: string(key), addr: addr, used: c.clock})
	if c.tree.Len() > c.capacity {
		c.evictOldestLocked()
	}
}

func (c *KeyPointerCache) evictOldestLocked() {
	var victim pointer
	first := true
	c.tree.Ascend(func(i btree.Item) bool {
		p := i.(pointer)
		if first || p.used < victim.used {
			victim, first = p, false
		}
		return true
	})
	if !first {
		c.tree.Delete(victim)
	}
}

func (c *KeyPointerCache) Forget(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Delete(pointer{key: string(key)})
}

func (c *KeyPointerCache) Evict(from, to uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []btree.Item
	c.tree.Ascend(func(i btree.Item) bool {
		if p := i.(pointer); p.addr >= from && p.addr < to {
			stale = append(stale, i)
		}
		return true
	})
	for _, i := range stale {
		c.tree.Delete(i)
	}
}

func (c *KeyPointerCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Clear(false)
	c.bloom.Reset()
	c.complete = false
}

func (c *KeyPointerCache) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *KeyPointerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

// Stats reports the cache fill and the bloom filter shape.
func (c *KeyPointerCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.bloom.Stats()
	stats["pointer_count"] = c.tree.Len()
	stats["pointer_capacity"] = c.capacity
	stats["complete"] = c.complete
	return stats
}
