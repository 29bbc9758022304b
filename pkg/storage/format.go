package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"flashkv/pkg/common"
	"flashkv/pkg/nor"
)

// Page layout, every field padded to the word size:
//
//	[start marker] [item] [item] ... [free space] [end marker]
//
// Item layout:
//
//	[CRC32 4B] [Len 2B] [^Len 2B] [pad] [Data LenB] [pad]
//
// A CRC of zero marks a removed item. An all-0xFF header marks the start of
// free space.

const (
	itemHeaderSize = 8
	maxWordSize    = 32
	chunkSize      = 2 * maxWordSize
	maxItemLen     = 0xFFFF
)

type pageState int

const (
	pageOpen pageState = iota
	pagePartialOpen
	pageClosed
)

func (s pageState) String() string {
	switch s {
	case pageOpen:
		return "open"
	case pagePartialOpen:
		return "partial-open"
	case pageClosed:
		return "closed"
	}
	return fmt.Sprintf("pageState(%d)", int(s))
}

// region is a range of a flash device interpreted as a ring of pages.
type region struct {
	flash    nor.Flash
	rng      common.Range
	word     uint32
	pageSize uint32
	pages    int
	hdrSize  uint32
}

func newRegion(f nor.Flash, r common.Range) (region, error) {
	rs, ws, es := f.ReadSize(), f.WriteSize(), f.EraseSize()
	if !powerOfTwo(rs) || !powerOfTwo(ws) {
		return region{}, fmt.Errorf("%w: read size %d and write size %d must be powers of two", ErrInvalidRange, rs, ws)
	}
	word := max(rs, ws)
	if word > maxWordSize {
		return region{}, fmt.Errorf("%w: word size %d exceeds %d", ErrInvalidRange, word, maxWordSize)
	}
	if es <= 0 || es%word != 0 {
		return region{}, fmt.Errorf("%w: erase size %d is not a multiple of word size %d", ErrInvalidRange, es, word)
	}
	if r.End <= r.Start || uint64(r.End) > uint64(f.Capacity()) {
		return region{}, fmt.Errorf("%w: %s outside device of %d bytes", ErrInvalidRange, r, f.Capacity())
	}
	if r.Start%uint32(es) != 0 || r.End%uint32(es) != 0 {
		return region{}, fmt.Errorf("%w: %s not aligned to erase size %d", ErrInvalidRange, r, es)
	}

	g := region{
		flash:    f,
		rng:      r,
		word:     uint32(word),
		pageSize: uint32(es),
		pages:    int(r.Len() / uint32(es)),
	}
	g.hdrSize = g.align(itemHeaderSize)
	if g.pages < 2 {
		return region{}, fmt.Errorf("%w: %s holds %d page, need at least 2", ErrInvalidRange, r, g.pages)
	}
	if g.itemsCapacity() < g.hdrSize+g.word {
		return region{}, fmt.Errorf("%w: erase size %d leaves no room for items", ErrInvalidRange, es)
	}
	return g, nil
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func (g region) align(n uint32) uint32 {
	return (n + g.word - 1) / g.word * g.word
}

func (g region) pageBase(p int) uint32 {
	return g.rng.Start + uint32(p)*g.pageSize
}

func (g region) itemsStart(p int) uint32 {
	return g.pageBase(p) + g.word
}

func (g region) itemsEnd(p int) uint32 {
	return g.pageBase(p) + g.pageSize - g.word
}

func (g region) itemsCapacity() uint32 {
	return g.pageSize - 2*g.word
}

func (g region) next(p int) int {
	return (p + 1) % g.pages
}

func (g region) pageOf(addr uint32) int {
	return int((addr - g.rng.Start) / g.pageSize)
}

// itemSize is the flash footprint of an item holding n data bytes.
func (g region) itemSize(n uint32) uint32 {
	return g.hdrSize + g.align(n)
}

func (g region) read(ctx context.Context, addr uint32, p []byte) error {
	if err := g.flash.Read(ctx, addr, p); err != nil {
		return flashErr(err)
	}
	return nil
}

func (g region) write(ctx context.Context, addr uint32, p []byte) error {
	if err := g.flash.Write(ctx, addr, p); err != nil {
		return flashErr(err)
	}
	return nil
}

func (g region) erasePage(ctx context.Context, p int) error {
	if err := g.flash.Erase(ctx, g.pageBase(p), g.pageBase(p)+g.pageSize); err != nil {
		return flashErr(err)
	}
	return nil
}

// flashErr tags a device error. Context errors stay as they are so callers
// can tell cancellation apart from a failing device.
func flashErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrFlashIO, err)
}

func (g region) pageState(ctx context.Context, p int) (pageState, error) {
	var start, end [maxWordSize]byte
	if err := g.read(ctx, g.pageBase(p), start[:g.word]); err != nil {
		return 0, err
	}
	if err := g.read(ctx, g.itemsEnd(p), end[:g.word]); err != nil {
		return 0, err
	}
	startErased := nor.IsErased(start[:g.word])
	endErased := nor.IsErased(end[:g.word])
	switch {
	case startErased && endErased:
		return pageOpen, nil
	case !startErased && endErased:
		return pagePartialOpen, nil
	case !startErased && !endErased:
		return pageClosed, nil
	}
	return 0, fmt.Errorf("%w: page %d closed without being opened", ErrCorrupted, p)
}

func (g region) states(ctx context.Context) ([]pageState, error) {
	states := make([]pageState, g.pages)
	for p := range states {
		s, err := g.pageState(ctx, p)
		if err != nil {
			return nil, err
		}
		states[p] = s
	}
	return states, nil
}

// newest returns the page holding the most recent items. It reports false
// for a region with no items at all.
func (g region) newest(states []pageState) (int, bool, error) {
	partial := -1
	allOpen := true
	for p, s := range states {
		if s == pagePartialOpen {
			if partial >= 0 {
				return 0, false, fmt.Errorf("%w: pages %d and %d are both partially open", ErrCorrupted, partial, p)
			}
			partial = p
		}
		if s != pageOpen {
			allOpen = false
		}
	}
	if partial >= 0 {
		return partial, true, nil
	}
	if allOpen {
		return 0, false, nil
	}
	for p, s := range states {
		if s == pageClosed && states[g.next(p)] == pageOpen {
			return p, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: every page is closed", ErrCorrupted)
}

func (g region) markPage(ctx context.Context, addr uint32) error {
	var marker [maxWordSize]byte
	return g.write(ctx, addr, marker[:g.word])
}

func (g region) openPage(ctx context.Context, states []pageState, p int) error {
	if states[p] != pageOpen {
		return fmt.Errorf("%w: page %d is %s, expected open", ErrCorrupted, p, states[p])
	}
	if err := g.markPage(ctx, g.pageBase(p)); err != nil {
		return err
	}
	states[p] = pagePartialOpen
	return nil
}

func (g region) closePage(ctx context.Context, states []pageState, p int) error {
	if err := g.markPage(ctx, g.itemsEnd(p)); err != nil {
		return err
	}
	states[p] = pageClosed
	return nil
}

type itemRef struct {
	addr   uint32
	length uint32
	crc    uint32
}

func (it itemRef) removed() bool {
	return it.crc == 0
}

func (it itemRef) dataAddr(g region) uint32 {
	return it.addr + g.hdrSize
}

func itemCRC(data []byte) uint32 {
	return finishCRC(crc32.ChecksumIEEE(data))
}

// finishCRC keeps zero free for the removed marker.
func finishCRC(c uint32) uint32 {
	if c == 0 {
		return 1
	}
	return c
}

// walkPage calls fn for each item header of page p in order until fn
// returns false. When fn never stops the walk, walkPage returns the address
// where free space begins and whether the page can still be appended to; a
// header that does not parse ends the page for good.
func (g region) walkPage(ctx context.Context, p int, fn func(it itemRef) (bool, error)) (uint32, bool, error) {
	var raw [maxWordSize]byte
	addr := g.itemsStart(p)
	end := g.itemsEnd(p)

	for addr+g.hdrSize <= end {
		hdr := raw[:g.hdrSize]
		if err := g.read(ctx, addr, hdr); err != nil {
			return 0, false, err
		}
		if nor.IsErased(hdr) {
			return addr, true, nil
		}

		length := binary.LittleEndian.Uint16(hdr[4:6])
		check := binary.LittleEndian.Uint16(hdr[6:8])
		if check != ^length {
			logger().Warn("unreadable item header ends page", "page", p, "addr", addr)
			return addr, false, nil
		}
		it := itemRef{
			addr:   addr,
			length: uint32(length),
			crc:    binary.LittleEndian.Uint32(hdr[0:4]),
		}
		size := g.itemSize(it.length)
		if addr+size > end {
			logger().Warn("item overruns page", "page", p, "addr", addr, "length", it.length)
			return addr, false, nil
		}

		if fn != nil {
			cont, err := fn(it)
			if err != nil {
				return 0, false, err
			}
			if !cont {
				return addr, false, nil
			}
		}
		addr += size
	}
	return addr, false, nil
}

// readData copies the data of it into dst, which must hold it.length bytes.
func (g region) readData(ctx context.Context, it itemRef, dst []byte) error {
	full := it.length / g.word * g.word
	if full > 0 {
		if err := g.read(ctx, it.dataAddr(g), dst[:full]); err != nil {
			return err
		}
	}
	if rem := it.length - full; rem > 0 {
		var tail [maxWordSize]byte
		if err := g.read(ctx, it.dataAddr(g)+full, tail[:g.word]); err != nil {
			return err
		}
		copy(dst[full:it.length], tail[:rem])
	}
	return nil
}

// inspect streams the data of it through a small chunk buffer and reports
// whether it starts with key. With verify set and a key match it also
// checks the CRC; otherwise valid is false.
func (g region) inspect(ctx context.Context, it itemRef, key []byte, verify bool) (match, valid bool, err error) {
	if uint32(len(key)) > it.length {
		return false, false, nil
	}
	var chunk [chunkSize]byte
	var c uint32
	klen := uint32(len(key))

	for off := uint32(0); off < it.length; {
		if off >= klen && !verify {
			break
		}
		n := g.align(min(chunkSize, it.length-off))
		if err := g.read(ctx, it.dataAddr(g)+off, chunk[:n]); err != nil {
			return false, false, err
		}
		useful := min(n, it.length-off)
		if off < klen {
			k := key[off:min(klen, off+useful)]
			if string(chunk[:len(k)]) != string(k) {
				return false, false, nil
			}
		}
		c = crc32.Update(c, crc32.IEEETable, chunk[:useful])
		off += useful
	}
	if !verify {
		return true, false, nil
	}
	return true, finishCRC(c) == it.crc, nil
}

// writeItem programs a header followed by data at addr. The header goes
// first; a write torn after it leaves an item whose CRC never verifies.
func (g region) writeItem(ctx context.Context, addr uint32, data []byte) error {
	var hdr [maxWordSize]byte
	for i := range hdr {
		hdr[i] = nor.Erased
	}
	binary.LittleEndian.PutUint32(hdr[0:4], itemCRC(data))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(data)))
	binary.LittleEndian.PutUint16(hdr[6:8], ^uint16(len(data)))
	if err := g.write(ctx, addr, hdr[:g.hdrSize]); err != nil {
		return err
	}

	dataAddr := addr + g.hdrSize
	full := uint32(len(data)) / g.word * g.word
	if full > 0 {
		if err := g.write(ctx, dataAddr, data[:full]); err != nil {
			return err
		}
	}
	if rem := uint32(len(data)) - full; rem > 0 {
		var tail [maxWordSize]byte
		for i := range tail {
			tail[i] = nor.Erased
		}
		copy(tail[:], data[full:])
		if err := g.write(ctx, dataAddr+full, tail[:g.word]); err != nil {
			return err
		}
	}
	return nil
}

// clearCRC rewrites the CRC field of it with zeros, which only clears bits
// and therefore needs a multiwrite capable device.
func (g region) clearCRC(ctx context.Context, it itemRef) error {
	var raw [maxWordSize]byte
	n := g.align(4)
	if err := g.read(ctx, it.addr, raw[:n]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[0:4], 0)
	return g.write(ctx, it.addr, raw[:n])
}
