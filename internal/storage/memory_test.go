package storage

import (
	"bytes"
	"testing"
)

func TestMemoryBasicOps(t *testing.T) {
	db := NewMemory()

	if _, err := db.Get([]byte("missing")); err != ErrNotFound {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Errorf("Get = %q err=%v", got, err)
	}

	ok, err := db.Has([]byte("k"))
	if err != nil || !ok {
		t.Error("Has should report the key")
	}

	if err := db.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has([]byte("k")); ok {
		t.Error("key should be gone after Delete")
	}
}

func TestMemoryIterationOrder(t *testing.T) {
	db := NewMemory()
	for _, k := range []string{"a3", "a1", "b1", "a2"} {
		if err := db.Put([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	var forward []string
	err := db.ForEach([]byte("a"), func(key, _ []byte) error {
		forward = append(forward, string(key))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a1", "a2", "a3"}
	for i, k := range want {
		if forward[i] != k {
			t.Fatalf("forward = %v, want %v", forward, want)
		}
	}

	var reverse []string
	err = db.ForEachReverse([]byte("a"), func(key, _ []byte) error {
		reverse = append(reverse, string(key))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range []string{"a3", "a2", "a1"} {
		if reverse[i] != k {
			t.Fatalf("reverse = %v", reverse)
		}
	}
}

func TestMemoryIterationStop(t *testing.T) {
	db := NewMemory()
	for _, k := range []string{"a1", "a2", "a3"} {
		if err := db.Put([]byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	count := 0
	err := db.ForEach([]byte("a"), func(_, _ []byte) error {
		count++
		return ErrStop
	})
	if err != nil {
		t.Errorf("ErrStop should not surface: %v", err)
	}
	if count != 1 {
		t.Errorf("callback ran %d times", count)
	}
}

func TestTableKeys(t *testing.T) {
	key := Key(TableHeightToBlockHeader, []byte{0, 0, 0, 1})
	if key[0] != byte(TableHeightToBlockHeader) || len(key) != 5 {
		t.Errorf("key = %v", key)
	}
	if !bytes.Equal(Prefix(TableConfig), []byte{0}) {
		t.Errorf("prefix = %v", Prefix(TableConfig))
	}
}
