package memory

import "testing"

func TestMemTableKeepsNewest(t *testing.T) {
	mt := NewMemTable(4)
	mt.Put([]byte("b"), []byte("1"))
	mt.Put([]byte("a"), []byte("2"))
	mt.Put([]byte("b"), []byte("333"))

	if mt.Count() != 2 {
		t.Fatalf("expected 2 keys, got %d", mt.Count())
	}
	if v, ok := mt.Get([]byte("b")); !ok || string(v) != "333" {
		t.Fatalf("expected b=333, got %q", v)
	}
	if mt.Size() != len("a")+len("2")+len("b")+len("333") {
		t.Fatalf("unexpected size %d", mt.Size())
	}

	var order []string
	mt.Iterator(func(key string, val []byte) bool {
		order = append(order, key)
		return true
	})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected keys in byte order, got %v", order)
	}
}

func TestMemTableCopiesInput(t *testing.T) {
	mt := NewMemTable(4)
	val := []byte("abc")
	mt.Put([]byte("k"), val)
	val[0] = 'x'
	if v, _ := mt.Get([]byte("k")); string(v) != "abc" {
		t.Fatalf("expected stored copy, got %q", v)
	}
}
