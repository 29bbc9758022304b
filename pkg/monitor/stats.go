package monitor

import (
	"sync/atomic"
)

// FlashStats counts the primitives issued against one flash device.
type FlashStats struct {
	ReadCount    uint64
	WriteCount   uint64
	EraseCount   uint64
	BytesRead    uint64
	BytesWritten uint64
}

func NewFlashStats() *FlashStats {
	return &FlashStats{}
}

func (fs *FlashStats) RecordRead(n int) {
	atomic.AddUint64(&fs.ReadCount, 1)
	atomic.AddUint64(&fs.BytesRead, uint64(n))
}

func (fs *FlashStats) RecordWrite(n int) {
	atomic.AddUint64(&fs.WriteCount, 1)
	atomic.AddUint64(&fs.BytesWritten, uint64(n))
}

// RecordErase counts sector erases, not erase calls.
func (fs *FlashStats) RecordErase(sectors int) {
	atomic.AddUint64(&fs.EraseCount, uint64(sectors))
}

// Snapshot returns a consistent-enough copy for reporting.
func (fs *FlashStats) Snapshot() FlashStats {
	return FlashStats{
		ReadCount:    atomic.LoadUint64(&fs.ReadCount),
		WriteCount:   atomic.LoadUint64(&fs.WriteCount),
		EraseCount:   atomic.LoadUint64(&fs.EraseCount),
		BytesRead:    atomic.LoadUint64(&fs.BytesRead),
		BytesWritten: atomic.LoadUint64(&fs.BytesWritten),
	}
}

// GetWritesPerErase is a rough wear indicator: program operations issued per
// erased sector.
func (fs *FlashStats) GetWritesPerErase() float64 {
	writes := atomic.LoadUint64(&fs.WriteCount)
	erases := atomic.LoadUint64(&fs.EraseCount)

	if erases == 0 {
		if writes > 0 {
			return float64(writes)
		}
		return 0.0
	}
	return float64(writes) / float64(erases)
}

func (fs *FlashStats) Reset() {
	atomic.StoreUint64(&fs.ReadCount, 0)
	atomic.StoreUint64(&fs.WriteCount, 0)
	atomic.StoreUint64(&fs.EraseCount, 0)
	atomic.StoreUint64(&fs.BytesRead, 0)
	atomic.StoreUint64(&fs.BytesWritten, 0)
}
