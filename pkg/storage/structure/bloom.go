package structure

import (
	"hash/fnv"
	"math"
	"sync"
)

type BloomFilter struct {
	bitset []bool
	k      uint
	m      uint
	count  uint
	lock   sync.RWMutex
}

func NewBloomFilter(n uint, p float64) *BloomFilter {
	// m = - (n * ln(p)) / (ln(2)^2)
	// k = (m / n) * ln(2)

	m := uint(math.Ceil(float64(n) * math.Log(p) / math.Log(1.0/math.Pow(2.0, math.Log(2.0)))))
	k := uint(math.Ceil((float64(m) / float64(n)) * math.Log(2.0)))

	return &BloomFilter{
		bitset: make([]bool, m),
		k:      k,
		m:      m,
		count:  0,
	}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.lock.Lock()
	defer bf.lock.Unlock()

	h1 := hash1(key)
	h2 := hash2(key)

	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.m)
		bf.bitset[pos] = true
	}
	bf.count++
}

func (bf *BloomFilter) Contains(key []byte) bool {
	bf.lock.RLock()
	defer bf.lock.RUnlock()

	h1 := hash1(key)
	h2 := hash2(key)

	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.m)
		if !bf.bitset[pos] {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) Reset() {
	bf.lock.Lock()
	defer bf.lock.Unlock()
	clear(bf.bitset)
	bf.count = 0
}

func hash1(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

// hash2 is forced odd so the probe sequence never collapses to one slot.
func hash2(key []byte) uint32 {
	h := fnv.New32()
	h.Write(key)
	return h.Sum32() | 1
}

func (bf *BloomFilter) Stats() map[string]interface{} {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return map[string]interface{}{
		"bloom_bits_size": bf.m,
		"bloom_hashes":    bf.k,
		"bloom_count":     bf.count,
	}
}
