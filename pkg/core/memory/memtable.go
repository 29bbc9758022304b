package memory

import (
	"sync"

	"github.com/google/btree"
)

// Item is one key/value pair ordered by its key bytes.
type Item struct {
	Key string
	Val []byte
}

func (i Item) Less(than btree.Item) bool {
	return i.Key < than.(Item).Key
}

// MemTable collects the newest value seen for each key. A later Put for the
// same key replaces the earlier one.
type MemTable struct {
	tree *btree.BTree
	lock sync.RWMutex
	size int
}

func NewMemTable(degree int) *MemTable {
	return &MemTable{
		tree: btree.New(degree),
	}
}

// Put stores copies of key and val.
func (mt *MemTable) Put(key, val []byte) {
	mt.lock.Lock()
	defer mt.lock.Unlock()

	item := Item{Key: string(key), Val: append([]byte(nil), val...)}
	if old := mt.tree.ReplaceOrInsert(item); old != nil {
		prev := old.(Item)
		mt.size -= len(prev.Key) + len(prev.Val)
	}
	mt.size += len(item.Key) + len(item.Val)
}

func (mt *MemTable) Get(key []byte) ([]byte, bool) {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	res := mt.tree.Get(Item{Key: string(key)})
	if res == nil {
		return nil, false
	}
	return res.(Item).Val, true
}

// Size is the number of key and value bytes held.
func (mt *MemTable) Size() int {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	return mt.size
}

func (mt *MemTable) Iterator(fn func(key string, val []byte) bool) {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	mt.tree.Ascend(func(i btree.Item) bool {
		item := i.(Item)
		return fn(item.Key, item.Val)
	})
}

func (mt *MemTable) Count() int {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	return mt.tree.Len()
}
