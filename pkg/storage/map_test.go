package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"flashkv/pkg/codec"
	"flashkv/pkg/common"
	"flashkv/pkg/flash"
)

var testGeom = flash.Geometry{ReadSize: 1, WriteSize: 4, EraseSize: 256, Capacity: 1024}

var testRange = common.Range{Start: 0, End: 1024}

func newTestFlash(t *testing.T) *flash.Mem {
	t.Helper()
	m, err := flash.NewMem(testGeom)
	if err != nil {
		t.Fatalf("new mem: %v", err)
	}
	return m
}

func newMultiwriteFlash(t *testing.T) *flash.MultiwriteMem {
	t.Helper()
	m, err := flash.NewMultiwriteMem(testGeom)
	if err != nil {
		t.Fatalf("new multiwrite mem: %v", err)
	}
	return m
}

func key(t *testing.T, s string) []byte {
	t.Helper()
	k, err := codec.EncodeKey(s)
	if err != nil {
		t.Fatalf("encode key %q: %v", s, err)
	}
	return k.Bytes()
}

func store(t *testing.T, f *flash.Mem, cache Cache, k, v []byte) {
	t.Helper()
	buf := make([]byte, 256)
	if err := StoreItem(context.Background(), f, testRange, cache, buf, k, v, codec.KeyLen); err != nil {
		t.Fatalf("store %x: %v", k, err)
	}
}

func fetch(t *testing.T, f *flash.Mem, cache Cache, k []byte) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, 256)
	v, ok, err := FetchItem(context.Background(), f, testRange, cache, buf, k)
	if err != nil {
		t.Fatalf("fetch %x: %v", k, err)
	}
	return append([]byte(nil), v...), ok
}

func TestStoreFetch(t *testing.T) {
	f := newTestFlash(t)

	if _, ok := fetch(t, f, nil, key(t, "a")); ok {
		t.Fatalf("expected empty flash to hold nothing")
	}

	store(t, f, nil, key(t, "a"), []byte("v1"))
	store(t, f, nil, key(t, "b"), []byte("other"))
	store(t, f, nil, key(t, "a"), []byte("v2"))

	v, ok := fetch(t, f, nil, key(t, "a"))
	if !ok || string(v) != "v2" {
		t.Fatalf("expected newest value v2, got %q (found=%v)", v, ok)
	}
	v, ok = fetch(t, f, nil, key(t, "b"))
	if !ok || string(v) != "other" {
		t.Fatalf("expected b=other, got %q (found=%v)", v, ok)
	}
	if _, ok := fetch(t, f, nil, key(t, "c")); ok {
		t.Fatalf("expected c to be absent")
	}
}

func TestStoreEmptyValue(t *testing.T) {
	f := newTestFlash(t)
	store(t, f, nil, key(t, "empty"), nil)

	v, ok := fetch(t, f, nil, key(t, "empty"))
	if !ok || len(v) != 0 {
		t.Fatalf("expected present empty value, got %q (found=%v)", v, ok)
	}
}

func TestPageRolloverAndReclaim(t *testing.T) {
	f := newTestFlash(t)
	keys := []string{"alpha", "beta", "gamma"}

	for i := 0; i < 200; i++ {
		k := keys[i%len(keys)]
		store(t, f, nil, key(t, k), []byte(fmt.Sprintf("%s-%03d-padding-padding", k, i)))
	}

	for j, k := range keys {
		last := 199
		for last%len(keys) != j {
			last--
		}
		want := fmt.Sprintf("%s-%03d-padding-padding", k, last)
		v, ok := fetch(t, f, nil, key(t, k))
		if !ok || string(v) != want {
			t.Fatalf("%s: expected %q, got %q (found=%v)", k, want, v, ok)
		}
	}

	total := 0
	for _, n := range f.EraseCounts() {
		total += n
	}
	if total == 0 {
		t.Fatalf("expected pages to be reclaimed")
	}
}

func TestFullStorageKeepsData(t *testing.T) {
	f := newTestFlash(t)
	value := bytes.Repeat([]byte{0xAB}, 40)

	var stored []string
	var lastErr error
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%02d", i)
		buf := make([]byte, 256)
		err := StoreItem(context.Background(), f, testRange, nil, buf, key(t, k), value, codec.KeyLen)
		if err != nil {
			lastErr = err
			break
		}
		stored = append(stored, k)
	}
	if !errors.Is(lastErr, ErrFullStorage) {
		t.Fatalf("expected ErrFullStorage, got %v", lastErr)
	}
	if len(stored) == 0 {
		t.Fatalf("expected some records to fit")
	}

	for _, k := range stored {
		v, ok := fetch(t, f, nil, key(t, k))
		if !ok || !bytes.Equal(v, value) {
			t.Fatalf("%s lost after storage filled up", k)
		}
	}
}

func TestStoreItemTooBig(t *testing.T) {
	f := newTestFlash(t)
	ctx := context.Background()

	big := make([]byte, 300)
	buf := make([]byte, 512)
	err := StoreItem(ctx, f, testRange, nil, buf, key(t, "k"), big, codec.KeyLen)
	if !errors.Is(err, ErrItemTooBig) {
		t.Fatalf("expected ErrItemTooBig, got %v", err)
	}

	small := make([]byte, 4)
	err = StoreItem(ctx, f, testRange, nil, small, key(t, "k"), []byte("value"), codec.KeyLen)
	if !errors.Is(err, common.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestFetchBufferTooSmall(t *testing.T) {
	f := newTestFlash(t)
	store(t, f, nil, key(t, "k"), bytes.Repeat([]byte{1}, 32))

	buf := make([]byte, 8)
	_, _, err := FetchItem(context.Background(), f, testRange, nil, buf, key(t, "k"))
	if !errors.Is(err, common.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestRemoveItem(t *testing.T) {
	ctx := context.Background()
	m := newMultiwriteFlash(t)

	store(t, m.Mem, nil, key(t, "a"), []byte("1"))
	store(t, m.Mem, nil, key(t, "b"), []byte("2"))
	store(t, m.Mem, nil, key(t, "a"), []byte("3"))

	if err := RemoveItem(ctx, m, testRange, nil, key(t, "a")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := fetch(t, m.Mem, nil, key(t, "a")); ok {
		t.Fatalf("expected a to be removed along with its older copy")
	}
	if v, ok := fetch(t, m.Mem, nil, key(t, "b")); !ok || string(v) != "2" {
		t.Fatalf("expected b untouched, got %q (found=%v)", v, ok)
	}

	if err := RemoveItem(ctx, m, testRange, nil, key(t, "missing")); err != nil {
		t.Fatalf("remove of missing key: %v", err)
	}

	store(t, m.Mem, nil, key(t, "a"), []byte("4"))
	if v, ok := fetch(t, m.Mem, nil, key(t, "a")); !ok || string(v) != "4" {
		t.Fatalf("expected a reinserted, got %q (found=%v)", v, ok)
	}
}

func TestEraseAll(t *testing.T) {
	ctx := context.Background()
	f := newTestFlash(t)
	store(t, f, nil, key(t, "a"), []byte("1"))
	store(t, f, nil, key(t, "b"), []byte("2"))

	if err := EraseAll(ctx, f, testRange, nil); err != nil {
		t.Fatalf("erase all: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok := fetch(t, f, nil, key(t, k)); ok {
			t.Fatalf("expected %s absent after erase", k)
		}
	}
	store(t, f, nil, key(t, "a"), []byte("again"))
	if v, ok := fetch(t, f, nil, key(t, "a")); !ok || string(v) != "again" {
		t.Fatalf("expected store after erase to work, got %q", v)
	}
}

func TestTornWriteIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newTestFlash(t)
	store(t, f, nil, key(t, "a"), []byte("committed"))

	// The header lands, the data program is cut short.
	f.FailAfter(1)
	buf := make([]byte, 256)
	err := StoreItem(ctx, f, testRange, nil, buf, key(t, "a"), bytes.Repeat([]byte{'x'}, 40), codec.KeyLen)
	if !errors.Is(err, flash.ErrPowerLoss) || !errors.Is(err, common.ErrFlashIO) {
		t.Fatalf("expected wrapped ErrPowerLoss, got %v", err)
	}

	v, ok := fetch(t, f, nil, key(t, "a"))
	if !ok || string(v) != "committed" {
		t.Fatalf("expected last committed value, got %q (found=%v)", v, ok)
	}

	store(t, f, nil, key(t, "a"), []byte("after"))
	if v, ok := fetch(t, f, nil, key(t, "a")); !ok || string(v) != "after" {
		t.Fatalf("expected store after power loss to work, got %q", v)
	}
}

func TestTornHeaderEndsPage(t *testing.T) {
	ctx := context.Background()
	f := newTestFlash(t)
	store(t, f, nil, key(t, "a"), []byte("committed"))

	f.FailAfter(0)
	buf := make([]byte, 256)
	if err := StoreItem(ctx, f, testRange, nil, buf, key(t, "b"), []byte("lost"), codec.KeyLen); err == nil {
		t.Fatalf("expected power loss error")
	}
	if _, ok := fetch(t, f, nil, key(t, "b")); ok {
		t.Fatalf("expected torn record to be invisible")
	}

	store(t, f, nil, key(t, "b"), []byte("kept"))
	if v, ok := fetch(t, f, nil, key(t, "b")); !ok || string(v) != "kept" {
		t.Fatalf("expected b=kept, got %q", v)
	}
	if v, ok := fetch(t, f, nil, key(t, "a")); !ok || string(v) != "committed" {
		t.Fatalf("expected a=committed, got %q", v)
	}
}

func TestItemsChronological(t *testing.T) {
	ctx := context.Background()
	f := newTestFlash(t)
	for i := 0; i < 30; i++ {
		store(t, f, nil, key(t, fmt.Sprintf("k%d", i%5)), []byte(fmt.Sprintf("value-%02d-with-some-bulk", i)))
	}

	latest := map[string]string{}
	count := 0
	buf := make([]byte, 256)
	err := Items(ctx, f, testRange, buf, codec.KeyLen, func(k, v []byte, addr uint32) error {
		latest[string(k)] = string(v)
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if count < 5 {
		t.Fatalf("expected at least 5 records, got %d", count)
	}
	for i := 25; i < 30; i++ {
		k := string(key(t, fmt.Sprintf("k%d", i%5)))
		want := fmt.Sprintf("value-%02d-with-some-bulk", i)
		if latest[k] != want {
			t.Fatalf("expected last visit of %x to be %q, got %q", k, want, latest[k])
		}
	}
}

func TestInvalidRange(t *testing.T) {
	f := newTestFlash(t)
	cases := []struct {
		name string
		r    common.Range
	}{
		{"empty", common.Range{Start: 256, End: 256}},
		{"unaligned", common.Range{Start: 10, End: 512}},
		{"single page", common.Range{Start: 0, End: 256}},
		{"past device", common.Range{Start: 0, End: 2048}},
	}
	for _, tc := range cases {
		buf := make([]byte, 64)
		_, _, err := FetchItem(context.Background(), f, tc.r, nil, buf, key(t, "a"))
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("%s: expected ErrInvalidRange, got %v", tc.name, err)
		}
	}
}

func TestSubRangeLeavesRestAlone(t *testing.T) {
	f := newTestFlash(t)
	r := common.Range{Start: 512, End: 1024}
	buf := make([]byte, 256)
	for i := 0; i < 40; i++ {
		if err := StoreItem(context.Background(), f, r, nil, buf, key(t, "k"), []byte(fmt.Sprintf("value-%02d", i)), codec.KeyLen); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	raw := f.Bytes()
	for i := 0; i < 512; i++ {
		if raw[i] != 0xFF {
			t.Fatalf("byte %d outside the range was programmed", i)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	f := newTestFlash(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	buf := make([]byte, 64)
	err := StoreItem(ctx, f, testRange, nil, buf, key(t, "a"), []byte("1"), codec.KeyLen)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, common.ErrFlashIO) {
		t.Fatalf("cancellation must not look like a device failure")
	}
}
