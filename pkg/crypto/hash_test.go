package crypto

import "testing"

func TestDefaultHasherDeterministic(t *testing.T) {
	h := DefaultHasher()
	a := h.Sum([]byte("alpha"), []byte("beta"))
	b := h.Sum([]byte("alpha"), []byte("beta"))
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
	if a.IsZero() {
		t.Fatal("hash of non-empty input must not be zero")
	}
}

func TestHasherAlgorithmsDiffer(t *testing.T) {
	a := NewHasher(SHA384).Sum([]byte("payload"))
	b := NewHasher(BLAKE2b384).Sum([]byte("payload"))
	if a == b {
		t.Fatal("sha384 and blake2b384 must not collide on the same input")
	}
}

func TestBytesToHash(t *testing.T) {
	short := BytesToHash([]byte{1, 2, 3})
	if short[HashSize-1] != 3 {
		t.Fatalf("short input not right-aligned: %x", short)
	}

	long := make([]byte, HashSize+10)
	for i := range long {
		long[i] = byte(i)
	}
	h := BytesToHash(long)
	if h[0] != long[10] {
		t.Fatalf("long input not truncated from the left: %x", h)
	}
}
