package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var geometryKey = []byte("meta:geometry")

type BadgerImage struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBadgerImage opens a Badger database at path. An empty path keeps the
// image in memory, which is only useful for tests.
func NewBadgerImage(path string) (*BadgerImage, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerImage{db: db}, nil
}

func (b *BadgerImage) Bind(geom Geometry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := encodeGeometry(geom)
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(geometryKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(geometryKey, want)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if string(val) != string(want) {
				return fmt.Errorf("%w: image was created for %+v", ErrGeometryDiff, decodeGeometry(val))
			}
			return nil
		})
	})
}

func (b *BadgerImage) LoadSector(index int, dst []byte) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sectorKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != len(dst) {
				return fmt.Errorf("sector %d has %d bytes, want %d", index, len(val), len(dst))
			}
			copy(dst, val)
			found = true
			return nil
		})
	})
	return found, err
}

func (b *BadgerImage) StoreSector(index int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	page := make([]byte, len(data))
	copy(page, data)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sectorKey(index), page)
	})
}

func (b *BadgerImage) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.DropPrefix([]byte{'s'})
}

func (b *BadgerImage) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}

func sectorKey(index int) []byte {
	key := make([]byte, 9)
	key[0] = 's'
	binary.BigEndian.PutUint64(key[1:], uint64(index))
	return key
}

func encodeGeometry(g Geometry) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(g.ReadSize))
	binary.BigEndian.PutUint32(buf[4:8], uint32(g.WriteSize))
	binary.BigEndian.PutUint32(buf[8:12], uint32(g.EraseSize))
	binary.BigEndian.PutUint32(buf[12:16], uint32(g.Capacity))
	return buf
}

func decodeGeometry(buf []byte) Geometry {
	if len(buf) != 16 {
		return Geometry{}
	}
	return Geometry{
		ReadSize:  int(binary.BigEndian.Uint32(buf[0:4])),
		WriteSize: int(binary.BigEndian.Uint32(buf[4:8])),
		EraseSize: int(binary.BigEndian.Uint32(buf[8:12])),
		Capacity:  int(binary.BigEndian.Uint32(buf[12:16])),
	}
}
