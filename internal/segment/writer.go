package segment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBlockSize is the target uncompressed size of one data block
// before a new block is started.
const DefaultBlockSize = 4096

// Writer consumes an already-sorted stream of records (key ascending,
// seqno descending within a key — the order memtable.AllVersions and the
// compaction merge iterator both produce) and builds one immutable
// segment: a data-blocks file, a sparse index, a bloom filter, and a
// metadata footer.
type Writer struct {
	segmentsDir string
	id          string
	tmpDir      string
	dataFile    *os.File
	dataWriter  *bufio.Writer
	blockSize   int
	compress    bool

	pending      []Record
	pendingBytes int
	offset       int64
	index        []IndexEntry

	bloom *BloomFilter

	itemCount      int
	tombstoneCount int
	minKey, maxKey []byte
	minSeqno       uint64
	maxSeqno       uint64
	haveSeqno      bool
}

// NewWriter creates a Writer that will produce segmentsDir/<id>/ once
// Finish is called. expectedItems sizes the bloom filter.
func NewWriter(segmentsDir, id string, blockSize int, compress bool, expectedItems int) (*Writer, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	tmpDir := filepath.Join(segmentsDir, id+".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create temp dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(tmpDir, "data"), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("segment: create data file: %w", err)
	}

	return &Writer{
		segmentsDir: segmentsDir,
		id:          id,
		tmpDir:      tmpDir,
		dataFile:    f,
		dataWriter:  bufio.NewWriter(f),
		blockSize:   blockSize,
		compress:    compress,
		bloom:       NewBloomFilter(expectedItems, 0.01),
	}, nil
}

// Add appends the next record in sorted order. The caller is responsible
// for ordering; Writer does not sort.
func (w *Writer) Add(rec Record) error {
	w.bloom.Add(rec.Key)
	w.itemCount++
	if rec.IsTombstone() {
		w.tombstoneCount++
	}

	if w.minKey == nil || keyCompare(rec.Key, w.minKey) < 0 {
		w.minKey = append([]byte(nil), rec.Key...)
	}
	if w.maxKey == nil || keyCompare(rec.Key, w.maxKey) > 0 {
		w.maxKey = append([]byte(nil), rec.Key...)
	}
	if !w.haveSeqno || rec.Seqno < w.minSeqno {
		w.minSeqno = rec.Seqno
	}
	if !w.haveSeqno || rec.Seqno > w.maxSeqno {
		w.maxSeqno = rec.Seqno
	}
	w.haveSeqno = true

	// Roll the block over only at a key boundary, so every version of a
	// key lives in one block and a point lookup never has to consult the
	// preceding block.
	if w.pendingBytes >= w.blockSize && len(w.pending) > 0 &&
		keyCompare(w.pending[len(w.pending)-1].Key, rec.Key) != 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	w.pending = append(w.pending, rec)
	w.pendingBytes += len(rec.Key) + len(rec.Value) + 17 // seqno+type+len prefixes
	return nil
}

// flushBlock encodes the currently pending records as one block and
// writes it to the data file, recording a sparse index entry.
func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}

	framed := encodeBlock(w.pending, w.compress)
	n, err := w.dataWriter.Write(framed)
	if err != nil {
		return fmt.Errorf("segment: write block: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		FirstKey: append([]byte(nil), w.pending[0].Key...),
		Offset:   w.offset,
		Length:   int64(n),
	})
	w.offset += int64(n)

	w.pending = w.pending[:0]
	w.pendingBytes = 0
	return nil
}

// Finish flushes any pending block, writes the index/bloom/metadata
// files, and finalizes the segment directory: fsync the data file,
// fsync the (temp) parent directory, rename into place, fsync the
// segments directory again. createdSeq is the manifest's monotonic
// per-tree creation counter.
func (w *Writer) Finish(createdSeq uint64) (*Metadata, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}
	if err := w.dataWriter.Flush(); err != nil {
		return nil, fmt.Errorf("segment: flush data writer: %w", err)
	}
	if err := w.dataFile.Sync(); err != nil {
		return nil, fmt.Errorf("segment: fsync data file: %w", err)
	}
	if err := w.dataFile.Close(); err != nil {
		return nil, fmt.Errorf("segment: close data file: %w", err)
	}

	if err := writeIndexFile(filepath.Join(w.tmpDir, "index"), w.index); err != nil {
		return nil, err
	}
	if err := writeBloomFile(filepath.Join(w.tmpDir, "bloom"), w.bloom); err != nil {
		return nil, err
	}

	meta := Metadata{
		ID:             w.id,
		ItemCount:      w.itemCount,
		MinKey:         w.minKey,
		MaxKey:         w.maxKey,
		MinSeqno:       w.minSeqno,
		MaxSeqno:       w.maxSeqno,
		TombstoneCount: w.tombstoneCount,
		FileSize:       w.offset,
		Compressed:     w.compress,
		CreatedSeq:     createdSeq,
	}
	if err := writeMetaFile(filepath.Join(w.tmpDir, "meta.json"), &meta); err != nil {
		return nil, err
	}

	if err := fsyncDir(w.tmpDir); err != nil {
		return nil, err
	}

	finalDir := filepath.Join(w.segmentsDir, w.id)
	if err := os.Rename(w.tmpDir, finalDir); err != nil {
		return nil, fmt.Errorf("segment: rename into place: %w", err)
	}
	if err := fsyncDir(w.segmentsDir); err != nil {
		return nil, err
	}

	return &meta, nil
}

// ApproxSize returns a running estimate of on-disk bytes written so far
// plus whatever is still pending in the current block, used by callers
// that split output across multiple segments by target size.
func (w *Writer) ApproxSize() int64 {
	return w.offset + int64(w.pendingBytes)
}

// Abort discards a writer's temp directory without finalizing, used when
// an in-progress flush or compaction fails.
func (w *Writer) Abort() error {
	_ = w.dataFile.Close()
	return os.RemoveAll(w.tmpDir)
}

func writeIndexFile(path string, index []IndexEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("segment: create index file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(index); err != nil {
		return fmt.Errorf("segment: encode index: %w", err)
	}
	return f.Sync()
}

func writeBloomFile(path string, bf *BloomFilter) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("segment: create bloom file: %w", err)
	}
	defer f.Close()

	header := struct {
		Size      int
		HashCount int
	}{bf.Size(), bf.HashCount()}
	if err := json.NewEncoder(f).Encode(header); err != nil {
		return fmt.Errorf("segment: encode bloom header: %w", err)
	}
	if _, err := f.Write(bf.MarshalBinary()); err != nil {
		return fmt.Errorf("segment: write bloom bits: %w", err)
	}
	return f.Sync()
}

func writeMetaFile(path string, meta *Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("segment: create metadata file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return fmt.Errorf("segment: encode metadata: %w", err)
	}
	return f.Sync()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("segment: open dir for fsync: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
