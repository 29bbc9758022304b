// Package nor describes the capabilities a NOR flash device offers to the
// log store.
//
// A NOR device is erased in whole sectors (every bit set to 1) and programmed
// in aligned words, where programming can only clear bits. Reads are aligned
// to ReadSize, writes to WriteSize and erases to EraseSize.
package nor

import "context"

// Flash is the basic device capability: erase, program and read.
type Flash interface {
	// ReadSize is the read alignment in bytes.
	ReadSize() int
	// WriteSize is the program alignment in bytes.
	WriteSize() int
	// EraseSize is the size of one erasable sector in bytes.
	EraseSize() int
	// Capacity is the total addressable size in bytes.
	Capacity() int

	Read(ctx context.Context, offset uint32, p []byte) error
	Write(ctx context.Context, offset uint32, p []byte) error
	// Erase resets every sector in [from, to) to 0xFF.
	Erase(ctx context.Context, from, to uint32) error
}

// MultiwriteFlash is a Flash that accepts repeated programs of the same word
// without an erase in between, as long as each program only clears bits.
// The log store needs this to invalidate records in place.
type MultiwriteFlash interface {
	Flash
	// Multiwrite marks the capability; it has no behavior.
	Multiwrite()
}

// Erased is the value of every byte of a freshly erased sector.
const Erased = 0xFF

// IsErased reports whether every byte of p is in the erased state.
func IsErased(p []byte) bool {
	for _, b := range p {
		if b != Erased {
			return false
		}
	}
	return true
}
