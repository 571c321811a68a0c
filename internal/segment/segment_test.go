package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/lsmkv/internal/cache"
)

func writeTestSegment(t *testing.T, dir, id string, compress bool, recs []Record) *Metadata {
	t.Helper()
	w, err := NewWriter(dir, id, 64, compress, len(recs))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, r := range recs {
		if err := w.Add(r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	meta, err := w.Finish(1)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return meta
}

func sampleRecords() []Record {
	return []Record{
		{Key: []byte("a"), Value: []byte("1"), Seqno: 1, Type: Live},
		{Key: []byte("b"), Value: []byte("2"), Seqno: 2, Type: Live},
		{Key: []byte("c"), Value: nil, Seqno: 3, Type: Tombstone},
		{Key: []byte("d"), Value: []byte("4"), Seqno: 4, Type: Live},
		{Key: []byte("e"), Value: []byte("5"), Seqno: 5, Type: Live},
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := writeTestSegment(t, dir, "seg1", false, sampleRecords())

	if meta.ItemCount != 5 {
		t.Errorf("ItemCount = %d, want 5", meta.ItemCount)
	}
	if meta.TombstoneCount != 1 {
		t.Errorf("TombstoneCount = %d, want 1", meta.TombstoneCount)
	}
	if !bytes.Equal(meta.MinKey, []byte("a")) || !bytes.Equal(meta.MaxKey, []byte("e")) {
		t.Errorf("min/max key = %s/%s", meta.MinKey, meta.MaxKey)
	}

	r, err := Open(filepath.Join(dir, "seg1"), cache.New(1<<20))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rec, ok, err := r.Get([]byte("b"), ^uint64(0))
	if err != nil || !ok {
		t.Fatalf("Get(b) = %v, %v, %v", rec, ok, err)
	}
	if !bytes.Equal(rec.Value, []byte("2")) {
		t.Errorf("Get(b).Value = %s, want 2", rec.Value)
	}

	rec, ok, err = r.Get([]byte("c"), ^uint64(0))
	if err != nil || !ok || !rec.IsTombstone() {
		t.Fatalf("Get(c) should return a tombstone record, got %v %v %v", rec, ok, err)
	}

	_, ok, err = r.Get([]byte("zzz"), ^uint64(0))
	if err != nil || ok {
		t.Fatalf("Get(zzz) should miss, got %v %v", ok, err)
	}
}

func TestWriterReaderCompressed(t *testing.T) {
	dir := t.TempDir()
	writeTestSegment(t, dir, "seg1", true, sampleRecords())

	r, err := Open(filepath.Join(dir, "seg1"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rec, ok, err := r.Get([]byte("d"), ^uint64(0))
	if err != nil || !ok || !bytes.Equal(rec.Value, []byte("4")) {
		t.Fatalf("Get(d) = %v %v %v", rec, ok, err)
	}
}

func TestMappedReader(t *testing.T) {
	dir := t.TempDir()
	writeTestSegment(t, dir, "seg1", false, sampleRecords())

	r, err := OpenMapped(filepath.Join(dir, "seg1"), cache.New(1<<20))
	if err != nil {
		t.Fatalf("OpenMapped: %v", err)
	}
	defer r.Close()

	rec, ok, err := r.Get([]byte("a"), ^uint64(0))
	if err != nil || !ok || !bytes.Equal(rec.Value, []byte("1")) {
		t.Fatalf("Get(a) = %v %v %v", rec, ok, err)
	}
}

func TestIteratorRange(t *testing.T) {
	dir := t.TempDir()
	writeTestSegment(t, dir, "seg1", false, sampleRecords())

	r, err := Open(filepath.Join(dir, "seg1"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	it := r.NewIterator([]byte("b"), []byte("e"), ^uint64(0))
	var keys []string
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(rec.Key))
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	want := []string{"b", "c", "d"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestSeqnoCeiling(t *testing.T) {
	dir := t.TempDir()
	// Versions of a key are written newest-first, as the memtable drains
	// them.
	recs := []Record{
		{Key: []byte("k"), Value: []byte("v2"), Seqno: 2, Type: Live},
		{Key: []byte("k"), Value: []byte("v1"), Seqno: 1, Type: Live},
	}
	writeTestSegment(t, dir, "seg1", false, recs)

	r, err := Open(filepath.Join(dir, "seg1"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rec, ok, err := r.Get([]byte("k"), ^uint64(0))
	if err != nil || !ok || !bytes.Equal(rec.Value, []byte("v2")) {
		t.Fatalf("Get(k, no ceiling) = %v %v %v, want v2", rec, ok, err)
	}

	rec, ok, err = r.Get([]byte("k"), 1)
	if err != nil || !ok || !bytes.Equal(rec.Value, []byte("v1")) {
		t.Fatalf("Get(k, ceiling=1) = %v %v %v, want v1", rec, ok, err)
	}
}

func TestOpenUnfinishedSegment(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "seg-half"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := Open(filepath.Join(dir, "seg-half"), nil)
	if err != ErrUnfinished {
		t.Fatalf("Open on half-written segment = %v, want ErrUnfinished", err)
	}
}

func TestBloomFilterNegative(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	bf.Add([]byte("present"))
	if bf.MayContain([]byte("present")) != true {
		t.Error("expected MayContain(present) == true")
	}
}
