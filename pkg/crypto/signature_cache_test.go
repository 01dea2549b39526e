package crypto

import "testing"

func TestSignatureCacheGetAddRemove(t *testing.T) {
	c := NewSignatureCache(2)
	k1 := DefaultHasher().Sum([]byte("event-1"))
	k2 := DefaultHasher().Sum([]byte("event-2"))
	k3 := DefaultHasher().Sum([]byte("event-3"))

	c.Add(k1, SigCacheEntry{Valid: true, SigType: SigTypeDefault})
	c.Add(k2, SigCacheEntry{Valid: false, SigType: SigTypeBLS})

	if _, ok := c.Get(k1); !ok {
		t.Fatal("expected k1 to be cached")
	}
	if c.Hits() != 1 || c.Misses() != 0 {
		t.Fatalf("hits=%d misses=%d, want 1/0", c.Hits(), c.Misses())
	}

	// Inserting a third key evicts the LRU entry (k2, since k1 was just
	// promoted by Get).
	c.Add(k3, SigCacheEntry{Valid: true})
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if c.Contains(k2) {
		t.Fatal("k2 should have been evicted as least recently used")
	}
	if !c.Contains(k1) || !c.Contains(k3) {
		t.Fatal("k1 and k3 should remain cached")
	}

	if !c.Remove(k1) {
		t.Fatal("Remove(k1) should report removal")
	}
	if c.Contains(k1) {
		t.Fatal("k1 should be gone after Remove")
	}
}

func TestSignatureCacheHitRate(t *testing.T) {
	c := NewSignatureCache(4)
	k := DefaultHasher().Sum([]byte("event"))

	if rate := c.HitRate(); rate != 0 {
		t.Fatalf("hit rate on empty cache = %f, want 0", rate)
	}

	c.Get(k) // miss
	c.Add(k, SigCacheEntry{Valid: true})
	c.Get(k) // hit

	if rate := c.HitRate(); rate != 0.5 {
		t.Fatalf("hit rate = %f, want 0.5", rate)
	}
}
