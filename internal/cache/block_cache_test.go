package cache

import (
	"sync"
	"testing"
)

func TestNewBlockCache(t *testing.T) {
	c := New(1024)
	if c == nil {
		t.Fatal("expected non-nil cache")
	}
	if c.Len() != 0 {
		t.Errorf("expected len 0, got %d", c.Len())
	}
}

func TestBlockCachePutGet(t *testing.T) {
	c := New(1024)

	k := Key{SegmentID: "seg-1", Offset: 0}
	c.Put(k, []byte("block-data"))

	value, ok := c.Get(k)
	if !ok {
		t.Fatal("expected key to be in cache")
	}
	if string(value) != "block-data" {
		t.Errorf("got %q, want %q", value, "block-data")
	}

	_, ok = c.Get(Key{SegmentID: "seg-1", Offset: 4096})
	if ok {
		t.Error("expected missing key to not be found")
	}
}

func TestBlockCacheEvictsByBytes(t *testing.T) {
	c := New(10)

	c.Put(Key{SegmentID: "s", Offset: 0}, make([]byte, 6))
	c.Put(Key{SegmentID: "s", Offset: 1}, make([]byte, 6))

	if c.UsedBytes() > 10 {
		t.Errorf("used bytes %d exceeds capacity 10", c.UsedBytes())
	}
	if _, ok := c.Get(Key{SegmentID: "s", Offset: 0}); ok {
		t.Error("expected oldest block to have been evicted")
	}
	if _, ok := c.Get(Key{SegmentID: "s", Offset: 1}); !ok {
		t.Error("expected newest block to still be cached")
	}
}

func TestBlockCacheInvalidateSegment(t *testing.T) {
	c := New(1024)

	c.Put(Key{SegmentID: "a", Offset: 0}, []byte("x"))
	c.Put(Key{SegmentID: "b", Offset: 0}, []byte("y"))

	c.InvalidateSegment("a")

	if _, ok := c.Get(Key{SegmentID: "a", Offset: 0}); ok {
		t.Error("expected segment a's blocks to be invalidated")
	}
	if _, ok := c.Get(Key{SegmentID: "b", Offset: 0}); !ok {
		t.Error("expected segment b's blocks to remain cached")
	}
}

func TestBlockCacheStats(t *testing.T) {
	c := New(1024)
	k := Key{SegmentID: "s", Offset: 0}

	c.Put(k, []byte("v"))
	c.Get(k)
	c.Get(Key{SegmentID: "s", Offset: 99})

	hits, misses, rate := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", hits, misses)
	}
	if rate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", rate)
	}
}

func TestBlockCacheClear(t *testing.T) {
	c := New(1024)
	c.Put(Key{SegmentID: "s", Offset: 0}, []byte("v"))
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got len %d", c.Len())
	}
	if c.UsedBytes() != 0 {
		t.Errorf("expected 0 used bytes after Clear, got %d", c.UsedBytes())
	}
}

func TestBlockCacheConcurrentAccess(t *testing.T) {
	c := New(1 << 20)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := Key{SegmentID: "seg", Offset: int64(j)}
				c.Put(k, []byte("v"))
				c.Get(k)
			}
		}(i)
	}
	wg.Wait()
}
