package common

import "fmt"

// Range is a half-open byte range [Start, End) of a flash device.
type Range struct {
	Start uint32
	End   uint32
}

func (r Range) Len() uint32 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Record is one visible key/value pair as stored on flash: the encoded key
// bytes and the encoded value bytes.
type Record struct {
	Key   []byte
	Value []byte
}

// String 方便调试打印
func (r *Record) String() string {
	return fmt.Sprintf("Record{KeyLen: %d, ValLen: %d}", len(r.Key), len(r.Value))
}
