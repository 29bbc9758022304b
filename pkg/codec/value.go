package codec

import (
	"fmt"

	"flashkv/pkg/common"

	"github.com/fxamacker/cbor/v2"
)

// MaxValueLen is the capacity of an EncodedValue.
const MaxValueLen = 128

var (
	valueEncMode cbor.EncMode
	valueDecMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	valueEncMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	valueDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type EncodedValue struct {
	buf [MaxValueLen]byte
	n   int
}

// EncodeValue serializes v into a fixed buffer. Encodings longer than
// MaxValueLen fail with ErrBufferTooSmall. An encoding that could not be
// decoded again, such as text that is not valid UTF-8, fails with
// ErrInvalidData.
func EncodeValue(v any) (EncodedValue, error) {
	var ev EncodedValue
	w := boundedWriter{buf: ev.buf[:]}
	if err := valueEncMode.NewEncoder(&w).Encode(v); err != nil {
		return EncodedValue{}, fmt.Errorf("encode value %T: %w", v, err)
	}
	ev.n = w.n

	var check any
	if err := valueDecMode.Unmarshal(ev.Bytes(), &check); err != nil {
		return EncodedValue{}, fmt.Errorf("encode value %T: %w: %v", v, common.ErrInvalidData, err)
	}
	return ev, nil
}

// RawValue wraps bytes that are already encoded. Only the capacity is
// checked; the bytes are not validated.
func RawValue(p []byte) (EncodedValue, error) {
	var ev EncodedValue
	if len(p) > MaxValueLen {
		return EncodedValue{}, fmt.Errorf("raw value: %w: %d bytes", common.ErrBufferTooSmall, len(p))
	}
	ev.n = copy(ev.buf[:], p)
	return ev, nil
}

// DecodeValue reconstructs a V from data. The whole of data must be exactly
// one encoding of a V; anything else is ErrInvalidData.
func DecodeValue[V any](data []byte) (V, error) {
	var v V
	if err := valueDecMode.Unmarshal(data, &v); err != nil {
		var zero V
		return zero, fmt.Errorf("decode value as %T: %w: %v", zero, common.ErrInvalidData, err)
	}
	return v, nil
}

func (v EncodedValue) Bytes() []byte {
	return v.buf[:v.n]
}

func (v EncodedValue) Len() int {
	return v.n
}
