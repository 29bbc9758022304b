// Package storage implements an append-only key/value log on a range of NOR
// flash.
//
// The range is split into pages of one erase sector each and used as a
// ring. Records are appended to the single partially open page; a newer
// record for a key shadows every older one. When the page fills up it is
// closed and the next page is opened. The page after that is kept erased:
// if it still holds data, its live records are copied forward and the page
// is erased. Removing a key clears the CRC of each of its records in place,
// which needs a device that tolerates repeated programs of a word.
//
// All functions take the device and the range explicitly and keep no state
// between calls other than what an optional Cache remembers.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"flashkv/pkg/common"
	"flashkv/pkg/nor"
)

// SplitFunc returns the length of the key at the start of a record.
type SplitFunc func(data []byte) (int, error)

var storeLogger atomic.Pointer[slog.Logger]

func init() {
	storeLogger.Store(slog.New(slog.DiscardHandler))
}

// SetLogger routes the store's diagnostics (migrations, skipped records)
// to l. It is safe to call while other goroutines use the store.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	storeLogger.Store(l)
}

func logger() *slog.Logger {
	return storeLogger.Load()
}

// FetchItem returns the value of the newest record stored for key. The
// value is a slice of buf; a record larger than buf fails with
// ErrBufferTooSmall.
func FetchItem(ctx context.Context, f nor.Flash, r common.Range, cache Cache, buf []byte, key []byte) ([]byte, bool, error) {
	g, err := newRegion(f, r)
	if err != nil {
		return nil, false, err
	}
	if cache == nil {
		cache = NoCache{}
	}
	if cache.Absent(key) {
		return nil, false, nil
	}

	if addr, ok := cache.Lookup(key); ok {
		value, found, err := g.fetchAt(ctx, addr, buf, key)
		if err != nil || found {
			return value, found, err
		}
		logger().Debug("stale cache pointer", "addr", addr)
		cache.Forget(key)
	}

	states, err := g.states(ctx)
	if err != nil {
		return nil, false, err
	}
	newest, ok, err := g.newest(states)
	if err != nil || !ok {
		return nil, false, err
	}

	for i := 0; i < g.pages; i++ {
		p := (newest - i + g.pages) % g.pages
		if states[p] == pageOpen {
			continue
		}

		var last itemRef
		hit := false
		_, _, err := g.walkPage(ctx, p, func(it itemRef) (bool, error) {
			if it.removed() {
				return true, nil
			}
			match, valid, err := g.inspect(ctx, it, key, true)
			if err != nil {
				return false, err
			}
			if match && valid {
				last, hit = it, true
			}
			return true, nil
		})
		if err != nil {
			return nil, false, err
		}
		if hit {
			value, err := g.readValue(ctx, last, buf, key)
			if err != nil {
				return nil, false, err
			}
			cache.Notify(key, last.addr)
			return value, true, nil
		}
	}
	return nil, false, nil
}

// fetchAt returns the value at addr when a live record for key sits there.
func (g region) fetchAt(ctx context.Context, addr uint32, buf []byte, key []byte) ([]byte, bool, error) {
	if !g.rng.Contains(addr) || addr%g.word != 0 {
		return nil, false, nil
	}
	p := g.pageOf(addr)
	var found itemRef
	hit := false
	_, _, err := g.walkPage(ctx, p, func(it itemRef) (bool, error) {
		if it.addr < addr {
			return true, nil
		}
		if it.addr == addr && !it.removed() {
			found, hit = it, true
		}
		return false, nil
	})
	if err != nil || !hit {
		return nil, false, err
	}
	match, valid, err := g.inspect(ctx, found, key, true)
	if err != nil || !match || !valid {
		return nil, false, err
	}
	value, err := g.readValue(ctx, found, buf, key)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (g region) readValue(ctx context.Context, it itemRef, buf []byte, key []byte) ([]byte, error) {
	if it.length > uint32(len(buf)) {
		return nil, fmt.Errorf("%w: record of %d bytes, buffer of %d", common.ErrBufferTooSmall, it.length, len(buf))
	}
	if err := g.readData(ctx, it, buf); err != nil {
		return nil, err
	}
	return buf[len(key):it.length], nil
}

// StoreItem appends a record for key. Older records for the same key stay
// on flash until their page is reclaimed but are no longer returned by
// FetchItem. buf must hold key and value together.
func StoreItem(ctx context.Context, f nor.Flash, r common.Range, cache Cache, buf []byte, key, value []byte, split SplitFunc) error {
	g, err := newRegion(f, r)
	if err != nil {
		return err
	}
	if cache == nil {
		cache = NoCache{}
	}

	n := uint32(len(key) + len(value))
	if n > uint32(len(buf)) {
		return fmt.Errorf("%w: record of %d bytes, buffer of %d", common.ErrBufferTooSmall, n, len(buf))
	}
	if n > maxItemLen || g.itemSize(n) > g.itemsCapacity() {
		return fmt.Errorf("%w: record of %d bytes, page holds %d", ErrItemTooBig, n, g.itemsCapacity())
	}

	states, err := g.states(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= g.pages; attempt++ {
		p, err := g.writablePage(ctx, states, cache, buf, split)
		if err != nil {
			return err
		}
		free, appendable, err := g.walkPage(ctx, p, nil)
		if err != nil {
			return err
		}
		if appendable && free+g.itemSize(n) <= g.itemsEnd(p) {
			copy(buf, key)
			copy(buf[len(key):], value)
			if err := g.writeItem(ctx, free, buf[:n]); err != nil {
				return err
			}
			cache.Notify(key, free)
			return nil
		}
		if err := g.closePage(ctx, states, p); err != nil {
			return err
		}
	}
	return ErrFullStorage
}

// writablePage returns the partially open page, opening one if needed, and
// makes sure the page after it is erased.
func (g region) writablePage(ctx context.Context, states []pageState, cache Cache, buf []byte, split SplitFunc) (int, error) {
	p, ok, err := g.newest(states)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, g.openPage(ctx, states, 0)
	}
	if states[p] == pageClosed {
		p = g.next(p)
		if err := g.openPage(ctx, states, p); err != nil {
			return 0, err
		}
	}

	oldest := g.next(p)
	if states[oldest] == pageClosed {
		if err := g.migrate(ctx, states, oldest, p, cache, buf, split); err != nil {
			return 0, err
		}
	}
	return p, nil
}

// migrate copies the live records of page from into page to, then erases
// from. A record is live when it verifies and no later record has its key.
// Records already copied by an interrupted earlier run are found shadowed
// by their copies and are not copied twice.
func (g region) migrate(ctx context.Context, states []pageState, from, to int, cache Cache, buf []byte, split SplitFunc) error {
	dst, appendable, err := g.walkPage(ctx, to, nil)
	if err != nil {
		return err
	}
	if !appendable {
		dst = g.itemsEnd(to)
	}

	moved, dropped := 0, 0
	_, _, err = g.walkPage(ctx, from, func(it itemRef) (bool, error) {
		if it.removed() {
			dropped++
			return true, nil
		}
		if it.length > uint32(len(buf)) {
			return false, fmt.Errorf("%w: record of %d bytes, buffer of %d", common.ErrBufferTooSmall, it.length, len(buf))
		}
		data := buf[:it.length]
		if err := g.readData(ctx, it, data); err != nil {
			return false, err
		}
		if itemCRC(data) != it.crc {
			dropped++
			return true, nil
		}
		klen, err := split(data)
		if err != nil {
			logger().Warn("dropping record with unreadable key", "addr", it.addr, "error", err)
			dropped++
			return true, nil
		}
		key := data[:klen]

		shadowed, err := g.shadowed(ctx, states, from, it.addr, key)
		if err != nil {
			return false, err
		}
		if shadowed {
			dropped++
			return true, nil
		}

		if dst+g.itemSize(it.length) > g.itemsEnd(to) {
			return false, fmt.Errorf("%w: live records of page %d do not fit page %d", ErrFullStorage, from, to)
		}
		if err := g.writeItem(ctx, dst, data); err != nil {
			return false, err
		}
		cache.Notify(key, dst)
		dst += g.itemSize(it.length)
		moved++
		return true, nil
	})
	if err != nil {
		return err
	}

	cache.Evict(g.pageBase(from), g.pageBase(from)+g.pageSize)
	if err := g.erasePage(ctx, from); err != nil {
		return err
	}
	states[from] = pageOpen
	logger().Debug("page reclaimed", "page", from, "into", to, "moved", moved, "dropped", dropped)
	return nil
}

// shadowed reports whether a verified record for key exists after addr,
// which lies in page from, the oldest page.
func (g region) shadowed(ctx context.Context, states []pageState, from int, addr uint32, key []byte) (bool, error) {
	found := false
	visit := func(it itemRef) (bool, error) {
		if it.removed() || (g.pageOf(it.addr) == from && it.addr <= addr) {
			return true, nil
		}
		match, valid, err := g.inspect(ctx, it, key, true)
		if err != nil {
			return false, err
		}
		if match && valid {
			found = true
			return false, nil
		}
		return true, nil
	}

	for i := 0; i < g.pages && !found; i++ {
		p := (from + i) % g.pages
		if states[p] == pageOpen {
			continue
		}
		if _, _, err := g.walkPage(ctx, p, visit); err != nil {
			return false, err
		}
	}
	return found, nil
}

// RemoveItem invalidates every record for key. It visits the whole range, so
// its cost grows with the amount of data stored, not with the key.
func RemoveItem(ctx context.Context, f nor.MultiwriteFlash, r common.Range, cache Cache, key []byte) error {
	g, err := newRegion(f, r)
	if err != nil {
		return err
	}
	if cache == nil {
		cache = NoCache{}
	}

	states, err := g.states(ctx)
	if err != nil {
		return err
	}

	cleared := 0
	for p := 0; p < g.pages; p++ {
		if states[p] == pageOpen {
			continue
		}
		_, _, err := g.walkPage(ctx, p, func(it itemRef) (bool, error) {
			if it.removed() {
				return true, nil
			}
			match, _, err := g.inspect(ctx, it, key, false)
			if err != nil || !match {
				return err == nil, err
			}
			if err := g.clearCRC(ctx, it); err != nil {
				return false, err
			}
			cleared++
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	cache.Forget(key)
	logger().Debug("records removed", "count", cleared)
	return nil
}

// EraseAll erases the whole range. Every key reads as absent afterwards.
func EraseAll(ctx context.Context, f nor.Flash, r common.Range, cache Cache) error {
	g, err := newRegion(f, r)
	if err != nil {
		return err
	}
	if cache == nil {
		cache = NoCache{}
	}
	cache.Reset()
	if err := f.Erase(ctx, g.rng.Start, g.rng.End); err != nil {
		return flashErr(err)
	}
	cache.Complete()
	return nil
}

// Items calls fn for every verified record in the order they were stored,
// so a later call for a key shadows the earlier ones. key and value are
// slices of buf and only valid during the call.
func Items(ctx context.Context, f nor.Flash, r common.Range, buf []byte, split SplitFunc, fn func(key, value []byte, addr uint32) error) error {
	g, err := newRegion(f, r)
	if err != nil {
		return err
	}
	states, err := g.states(ctx)
	if err != nil {
		return err
	}
	newest, ok, err := g.newest(states)
	if err != nil || !ok {
		return err
	}

	for i := 1; i <= g.pages; i++ {
		p := (newest + i) % g.pages
		if states[p] == pageOpen {
			continue
		}
		_, _, err := g.walkPage(ctx, p, func(it itemRef) (bool, error) {
			if it.removed() {
				return true, nil
			}
			if it.length > uint32(len(buf)) {
				return false, fmt.Errorf("%w: record of %d bytes, buffer of %d", common.ErrBufferTooSmall, it.length, len(buf))
			}
			data := buf[:it.length]
			if err := g.readData(ctx, it, data); err != nil {
				return false, err
			}
			if itemCRC(data) != it.crc {
				logger().Warn("skipping torn record", "addr", it.addr)
				return true, nil
			}
			klen, err := split(data)
			if err != nil {
				logger().Warn("skipping record with unreadable key", "addr", it.addr, "error", err)
				return true, nil
			}
			if err := fn(data[:klen], data[klen:], it.addr); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
