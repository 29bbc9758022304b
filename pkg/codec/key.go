// Package codec turns caller keys and values into the bounded binary forms
// kept on flash.
//
// Keys are single CBOR data items in core deterministic encoding, so equal
// keys always produce equal bytes and the length of a key can be recovered
// by scanning it. Values are CBOR as well and live in a fixed-size buffer.
package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"flashkv/pkg/common"

	"github.com/fxamacker/cbor/v2"
)

// MaxKeyLen is the capacity of an EncodedKey.
const MaxKeyLen = 64

var (
	keyEncMode cbor.EncMode
	keyDecMode cbor.DecMode
)

func init() {
	var err error
	keyEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	keyDecMode, err = cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
		UTF8:        cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Key is the closed set of types accepted as caller keys. Each type in the
// set must have a fixed, stable encoding; adding one is a format change.
type Key interface {
	string
}

// EncodedKey holds exactly one encoded key item. Bytes past the item are
// always zero, so two keys are equal iff their encodings are.
type EncodedKey struct {
	buf [MaxKeyLen]byte
	n   int
}

// EncodeKey canonicalizes key. A key whose encoding exceeds MaxKeyLen fails
// with ErrBufferTooSmall instead of being truncated.
func EncodeKey[K Key](key K) (EncodedKey, error) {
	s := string(key)
	if !utf8.ValidString(s) {
		return EncodedKey{}, fmt.Errorf("encode key: %w: not valid UTF-8", common.ErrInvalidData)
	}

	var k EncodedKey
	w := boundedWriter{buf: k.buf[:]}
	if err := keyEncMode.NewEncoder(&w).Encode(s); err != nil {
		return EncodedKey{}, fmt.Errorf("encode key of %d bytes: %w", len(s), err)
	}
	k.n = w.n
	return k, nil
}

// DecodeKey reads the single key item at the start of buf and reports how
// many bytes it occupied. Whatever follows the item is left alone.
func DecodeKey(buf []byte) (EncodedKey, int, error) {
	n, err := KeyLen(buf)
	if err != nil {
		return EncodedKey{}, 0, err
	}
	if n > MaxKeyLen {
		return EncodedKey{}, 0, fmt.Errorf("decode key: %w: item is %d bytes", common.ErrBufferTooSmall, n)
	}
	var k EncodedKey
	k.n = copy(k.buf[:], buf[:n])
	return k, n, nil
}

// KeyLen returns the length of the well-formed data item at the start of
// buf. It is the split function the log store uses to find where a record's
// key ends and its value begins.
func KeyLen(buf []byte) (int, error) {
	var raw cbor.RawMessage
	rest, err := keyDecMode.UnmarshalFirst(buf, &raw)
	if err != nil {
		return 0, fmt.Errorf("decode key: %w: %v", common.ErrInvalidData, err)
	}
	return len(buf) - len(rest), nil
}

func (k EncodedKey) Bytes() []byte {
	return k.buf[:k.n]
}

func (k EncodedKey) Len() int {
	return k.n
}

func (k EncodedKey) Equal(o EncodedKey) bool {
	return bytes.Equal(k.Bytes(), o.Bytes())
}

// String renders text keys quoted and anything else as hex.
func (k EncodedKey) String() string {
	var s string
	if err := keyDecMode.Unmarshal(k.Bytes(), &s); err == nil {
		return strconv.Quote(s)
	}
	return "0x" + hex.EncodeToString(k.Bytes())
}

func (k EncodedKey) LogValue() slog.Value {
	return slog.StringValue(k.String())
}

// boundedWriter writes into a fixed slice and refuses to grow past it.
type boundedWriter struct {
	buf []byte
	n   int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.n {
		return 0, common.ErrBufferTooSmall
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}
