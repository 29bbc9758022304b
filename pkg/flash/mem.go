// Package flash provides a simulated NOR flash device for hosts and tests.
//
// Mem keeps the whole device in memory and enforces NOR rules: erase works
// on whole sectors and sets every byte to 0xFF, programs are aligned and may
// only target erased words. MultiwriteMem relaxes the last rule: a program
// ANDs into the existing bits, so bits can be cleared repeatedly without an
// erase. Either device can be attached to an Image to persist its contents.
package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"flashkv/pkg/monitor"
	"flashkv/pkg/nor"
)

var (
	ErrOutOfBounds  = errors.New("flash: access out of bounds")
	ErrNotAligned   = errors.New("flash: access not aligned")
	ErrNotErased    = errors.New("flash: program of a non-erased word")
	ErrPowerLoss    = errors.New("flash: simulated power loss")
	ErrBadGeometry  = errors.New("flash: invalid geometry")
	ErrGeometryDiff = errors.New("flash: image geometry mismatch")
)

// Geometry describes the alignment and size of a device.
type Geometry struct {
	ReadSize  int `yaml:"read_size"`
	WriteSize int `yaml:"write_size"`
	EraseSize int `yaml:"erase_size"`
	Capacity  int `yaml:"capacity"`
}

func (g Geometry) Validate() error {
	if g.ReadSize <= 0 || g.WriteSize <= 0 || g.EraseSize <= 0 || g.Capacity <= 0 {
		return fmt.Errorf("%w: sizes must be positive: %+v", ErrBadGeometry, g)
	}
	if g.EraseSize%g.ReadSize != 0 || g.EraseSize%g.WriteSize != 0 {
		return fmt.Errorf("%w: erase size %d is not a multiple of read/write size", ErrBadGeometry, g.EraseSize)
	}
	if g.Capacity%g.EraseSize != 0 {
		return fmt.Errorf("%w: capacity %d is not a multiple of erase size %d", ErrBadGeometry, g.Capacity, g.EraseSize)
	}
	return nil
}

// Sectors is the number of erasable sectors.
func (g Geometry) Sectors() int {
	return g.Capacity / g.EraseSize
}

type Mem struct {
	mu         sync.Mutex
	geom       Geometry
	data       []byte
	wear       []int
	multiwrite bool
	failAfter  int
	stats      *monitor.FlashStats
	image      Image
	logger     *slog.Logger
}

// NewMem returns an erased device with the given geometry.
func NewMem(geom Geometry) (*Mem, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	m := &Mem{
		geom:      geom,
		data:      make([]byte, geom.Capacity),
		wear:      make([]int, geom.Sectors()),
		failAfter: -1,
		stats:     monitor.NewFlashStats(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for i := range m.data {
		m.data[i] = nor.Erased
	}
	return m, nil
}

// MultiwriteMem is a Mem that allows programming a word more than once.
type MultiwriteMem struct {
	*Mem
}

func NewMultiwriteMem(geom Geometry) (*MultiwriteMem, error) {
	m, err := NewMem(geom)
	if err != nil {
		return nil, err
	}
	m.multiwrite = true
	return &MultiwriteMem{Mem: m}, nil
}

func (m *MultiwriteMem) Multiwrite() {}

func (m *Mem) ReadSize() int  { return m.geom.ReadSize }
func (m *Mem) WriteSize() int { return m.geom.WriteSize }
func (m *Mem) EraseSize() int { return m.geom.EraseSize }
func (m *Mem) Capacity() int  { return m.geom.Capacity }

func (m *Mem) Geometry() Geometry { return m.geom }

func (m *Mem) Stats() *monitor.FlashStats { return m.stats }

// SetLogger routes diagnostics about image persistence to l.
func (m *Mem) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// FailAfter arms a simulated power loss: after n more successful programs,
// the next one writes only its first half and returns ErrPowerLoss. A
// negative n disarms it.
func (m *Mem) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// EraseCounts returns how many times each sector has been erased.
func (m *Mem) EraseCounts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.wear))
	copy(out, m.wear)
	return out
}

// Bytes returns a copy of the raw device contents.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *Mem) checkAccess(offset uint32, n int, align int) error {
	end := uint64(offset) + uint64(n)
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%w: offset %#x len %d capacity %d", ErrOutOfBounds, offset, n, len(m.data))
	}
	if int(offset)%align != 0 || n%align != 0 {
		return fmt.Errorf("%w: offset %#x len %d alignment %d", ErrNotAligned, offset, n, align)
	}
	return nil
}

func (m *Mem) Read(ctx context.Context, offset uint32, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAccess(offset, len(p), m.geom.ReadSize); err != nil {
		return err
	}
	copy(p, m.data[offset:])
	m.stats.RecordRead(len(p))
	return nil
}

func (m *Mem) Write(ctx context.Context, offset uint32, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.geom.WriteSize
	if err := m.checkAccess(offset, len(p), w); err != nil {
		return err
	}
	if !m.multiwrite {
		for i := 0; i < len(p); i += w {
			if !nor.IsErased(m.data[int(offset)+i : int(offset)+i+w]) {
				return fmt.Errorf("%w: word at %#x", ErrNotErased, int(offset)+i)
			}
		}
	}

	n := len(p)
	var failure error
	if m.failAfter == 0 {
		n = (len(p) / w / 2) * w
		failure = ErrPowerLoss
		m.failAfter = -1
	} else if m.failAfter > 0 {
		m.failAfter--
	}

	for i := 0; i < n; i++ {
		m.data[int(offset)+i] &= p[i]
	}
	m.stats.RecordWrite(n)

	if n > 0 {
		if err := m.persist(offset, offset+uint32(n)); err != nil {
			return err
		}
	}
	return failure
}

func (m *Mem) Erase(ctx context.Context, from, to uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if to < from {
		return fmt.Errorf("%w: erase [%#x, %#x)", ErrOutOfBounds, from, to)
	}
	if err := m.checkAccess(from, int(to-from), m.geom.EraseSize); err != nil {
		return err
	}
	for i := from; i < to; i++ {
		m.data[i] = nor.Erased
	}
	first := int(from) / m.geom.EraseSize
	last := int(to) / m.geom.EraseSize
	for s := first; s < last; s++ {
		m.wear[s]++
	}
	m.stats.RecordErase(last - first)

	if to > from {
		return m.persist(from, to)
	}
	return nil
}

// persist writes every sector touched by [from, to) through to the image.
func (m *Mem) persist(from, to uint32) error {
	if m.image == nil {
		return nil
	}
	es := m.geom.EraseSize
	for s := int(from) / es; s*es < int(to); s++ {
		if err := m.image.StoreSector(s, m.data[s*es:(s+1)*es]); err != nil {
			m.logger.Error("persist sector failed", "sector", s, "error", err)
			return fmt.Errorf("flash: persist sector %d: %w", s, err)
		}
	}
	return nil
}

// Attach binds the device to img. Sectors present in the image replace the
// in-memory contents; from then on every program and erase is written
// through.
func (m *Mem) Attach(ctx context.Context, img Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := img.Bind(m.geom); err != nil {
		return err
	}

	es := m.geom.EraseSize
	loaded := 0
	for s := 0; s < m.geom.Sectors(); s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := img.LoadSector(s, m.data[s*es:(s+1)*es])
		if err != nil {
			return fmt.Errorf("flash: load sector %d: %w", s, err)
		}
		if ok {
			loaded++
		}
	}
	m.image = img
	m.logger.Info("flash image attached", "sectors", m.geom.Sectors(), "loaded", loaded)
	return nil
}
