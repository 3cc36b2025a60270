package storage

import "testing"

func pageBytes(n int, fill byte) []byte {
	b := make([]byte, n)
	b[0] = fill
	return b
}

func TestLRUCacheBasic(t *testing.T) {
	c := newLRUCache(3)

	c.put(1, pageBytes(64, 1))
	c.put(2, pageBytes(64, 2))
	c.put(3, pageBytes(64, 3))

	if _, ok := c.get(1); !ok {
		t.Error("page 1 should be cached")
	}
	if _, ok := c.get(2); !ok {
		t.Error("page 2 should be cached")
	}
	if _, ok := c.get(3); !ok {
		t.Error("page 3 should be cached")
	}

	// MRU order after the gets above is 3,2,1, so 1 is now LRU.
	c.put(4, pageBytes(64, 4))

	if _, ok := c.get(1); ok {
		t.Error("page 1 should have been evicted")
	}
	if _, ok := c.get(4); !ok {
		t.Error("page 4 should be cached")
	}
}

func TestLRUCacheUpdate(t *testing.T) {
	c := newLRUCache(3)

	c.put(1, pageBytes(64, 1))
	c.put(1, pageBytes(64, 99))

	data, ok := c.get(1)
	if !ok {
		t.Fatal("page 1 should be cached")
	}
	if data[0] != 99 {
		t.Errorf("expected updated value 99, got %d", data[0])
	}
}

func TestLRUCacheInvalidate(t *testing.T) {
	c := newLRUCache(3)

	c.put(1, pageBytes(64, 1))
	c.invalidate(1)

	if _, ok := c.get(1); ok {
		t.Error("page 1 should have been invalidated")
	}
}

func TestLRUCacheInvalidateMany(t *testing.T) {
	c := newLRUCache(10)

	c.put(1, pageBytes(64, 1))
	c.put(2, pageBytes(64, 2))
	c.put(3, pageBytes(64, 3))

	c.invalidateMany([]uint32{1, 3})

	if _, ok := c.get(1); ok {
		t.Error("page 1 should have been invalidated")
	}
	if _, ok := c.get(3); ok {
		t.Error("page 3 should have been invalidated")
	}
	if _, ok := c.get(2); !ok {
		t.Error("page 2 should remain cached")
	}
}

func TestLRUCacheClear(t *testing.T) {
	c := newLRUCache(3)

	c.put(1, pageBytes(64, 0))
	c.put(2, pageBytes(64, 0))
	c.put(3, pageBytes(64, 0))

	c.clear()

	hits, misses, size, cap := c.stats()
	if size != 0 {
		t.Errorf("expected size 0 after clear, got %d", size)
	}
	_ = hits
	_ = misses
	_ = cap
}

func TestLRUCacheStats(t *testing.T) {
	c := newLRUCache(10)

	c.put(1, pageBytes(64, 0))
	c.put(2, pageBytes(64, 0))

	c.get(1) // hit
	c.get(1) // hit
	c.get(3) // miss

	hits, misses, size, cap := c.stats()
	if hits != 2 {
		t.Errorf("expected 2 hits, got %d", hits)
	}
	if misses != 1 {
		t.Errorf("expected 1 miss, got %d", misses)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}
	if cap != 10 {
		t.Errorf("expected capacity 10, got %d", cap)
	}

	rate := c.hitRate()
	if rate < 0.66 || rate > 0.67 {
		t.Errorf("expected hit rate ~0.667, got %f", rate)
	}
}

func TestLRUCacheEvictionOrder(t *testing.T) {
	c := newLRUCache(3)

	c.put(1, pageBytes(64, 0))
	c.put(2, pageBytes(64, 0))
	c.put(3, pageBytes(64, 0))

	// Touching 1 makes it MRU, so the LRU order becomes 2,3,1.
	c.get(1)

	c.put(4, pageBytes(64, 0))

	if _, ok := c.get(2); ok {
		t.Error("page 2 should have been evicted (LRU)")
	}
	if _, ok := c.get(1); !ok {
		t.Error("page 1 should still be cached (was accessed recently)")
	}
	if _, ok := c.get(3); !ok {
		t.Error("page 3 should still be cached")
	}
	if _, ok := c.get(4); !ok {
		t.Error("page 4 should be cached")
	}
}
