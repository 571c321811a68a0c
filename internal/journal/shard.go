package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewShardID generates a unique, sortable shard (or segment) id: a
// millisecond timestamp followed by a uuid suffix, so lexicographic
// order matches creation order.
func NewShardID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

// Shard is one journal file. A shard lock serializes writers so that no
// two batches interleave on disk.
type Shard struct {
	mu   sync.Mutex
	ID   string
	Path string

	file   *os.File
	writer *bufio.Writer
}

// CreateShard creates a fresh, empty shard: one directory under dir
// holding the shard file (and, once flushed, the `.flush` marker).
func CreateShard(dir string) (*Shard, error) {
	id := NewShardID(time.Now())
	shardDir := filepath.Join(dir, id)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create shard dir: %w", err)
	}

	path := shardFilePath(shardDir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: create shard file: %w", err)
	}

	return &Shard{
		ID:     id,
		Path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Dir returns the shard's directory, which also holds its `.flush`
// marker once every partition's data in it has been flushed.
func (s *Shard) Dir() string {
	return filepath.Dir(s.Path)
}

// WriteBatch writes a Start/Item*/End record contiguously under the
// shard lock and pushes it to the OS, but does not fsync: durability is
// deferred to Flush, the periodic fsync thread, or Close, whichever
// comes first. MUST NOT be called concurrently with Rotate on the same
// shard.
func (s *Shard) WriteBatch(b Batch) (int, error) {
	encoded := encodeBatch(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.writer.Write(encoded)
	if err != nil {
		return n, fmt.Errorf("journal: write batch: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return n, fmt.Errorf("journal: flush batch: %w", err)
	}
	return n, nil
}

// Flush fsyncs whatever has already been written, used by the periodic
// fsync thread when fsync_ms is configured.
func (s *Shard) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close fsyncs and closes the shard file.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err == nil {
		_ = s.file.Sync()
	}
	return s.file.Close()
}

// Size returns the current on-disk size of the shard, used by the flush
// manager's journal-size-forcing policy.
func (s *Shard) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Apply is the callback RecoverShard invokes once per item in a
// successfully validated batch.
type Apply func(partition string, item Item, seqno uint64) error

// RecoverShard replays an existing shard file, applying every item of
// every validated batch via apply, then truncates any torn tail and
// reopens the shard for further appends. A Start seen while already in
// a batch, or an Item seen outside a batch, self-heals by truncating
// to the last valid position; a short End marker, an over-full batch,
// or a CRC mismatch are
// fatal and bubble up as journal.ErrInsufficientLength /
// journal.ErrTooManyItems / journal.ErrCrcMismatch.
func RecoverShard(path string, apply Apply) (*Shard, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open shard for recovery: %w", err)
	}

	lastValidPos, fatalErr := recoverShardFile(f, apply)
	if fatalErr != nil {
		f.Close()
		return nil, fatalErr
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() > lastValidPos {
		if err := f.Truncate(lastValidPos); err != nil {
			f.Close()
			return nil, fmt.Errorf("journal: truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("journal: fsync after truncate: %w", err)
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	id := filepath.Base(filepath.Dir(path))

	return &Shard{
		ID:     id,
		Path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// recoverShardFile scans f sequentially and returns the offset just past
// the last successfully validated End marker. A non-nil error is only
// ever one of the three fatal recovery errors; a torn tail is reported by
// returning a lastValidPos short of the file's length with a nil error.
func recoverShardFile(f *os.File, apply Apply) (lastValidPos int64, fatalErr error) {
	reader := bufio.NewReader(f)

	var pos int64
	inBatch := false
	var remaining uint32
	var batchSeqno uint64
	var pendingItems []Item
	var itemBytes bytes.Buffer

	readByte := func() (byte, error) {
		b, err := reader.ReadByte()
		if err == nil {
			pos++
		}
		return b, err
	}
	readN := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		m, err := io.ReadFull(reader, buf)
		pos += int64(m)
		if err != nil {
			return nil, err
		}
		return buf, nil
	}
	readU32 := func() (uint32, error) {
		b, err := readN(4)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(b), nil
	}
	readU64 := func() (uint64, error) {
		b, err := readN(8)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(b), nil
	}
	readLenPrefixed := func() ([]byte, error) {
		n, err := readU32()
		if err != nil {
			return nil, err
		}
		return readN(int(n))
	}

	for {
		marker, err := readByte()
		if err != nil {
			// EOF (or any read error) between records: nothing torn.
			break
		}

		switch marker {
		case markerStart:
			if inBatch {
				return lastValidPos, nil
			}
			itemCount, err := readU32()
			if err != nil {
				return lastValidPos, nil
			}
			seqno, err := readU64()
			if err != nil {
				return lastValidPos, nil
			}
			inBatch = true
			remaining = itemCount
			batchSeqno = seqno
			pendingItems = pendingItems[:0]
			itemBytes.Reset()

		case markerItem:
			if !inBatch {
				return lastValidPos, nil
			}
			if remaining == 0 {
				return lastValidPos, ErrTooManyItems
			}

			partition, err := readLenPrefixed()
			if err != nil {
				return lastValidPos, nil
			}
			key, err := readLenPrefixed()
			if err != nil {
				return lastValidPos, nil
			}
			valType, err := readByte()
			if err != nil {
				return lastValidPos, nil
			}
			value, err := readLenPrefixed()
			if err != nil {
				return lastValidPos, nil
			}

			itemBytes.WriteByte(markerItem)
			putLenPrefixed(&itemBytes, []byte(partition))
			putLenPrefixed(&itemBytes, key)
			itemBytes.WriteByte(valType)
			putLenPrefixed(&itemBytes, value)

			pendingItems = append(pendingItems, Item{
				Partition: string(partition),
				Key:       key,
				Value:     value,
				Type:      ValueType(valType),
			})
			remaining--

		case markerEnd:
			if !inBatch {
				return lastValidPos, nil
			}
			if remaining > 0 {
				return lastValidPos, ErrInsufficientLength
			}
			crc, err := readU32()
			if err != nil {
				return lastValidPos, nil
			}
			if crc32.ChecksumIEEE(itemBytes.Bytes()) != crc {
				return lastValidPos, ErrCrcMismatch
			}

			for _, it := range pendingItems {
				if err := apply(it.Partition, it, batchSeqno); err != nil {
					return lastValidPos, err
				}
			}

			lastValidPos = pos
			inBatch = false

		default:
			return lastValidPos, nil
		}
	}

	// EOF with an open batch: the last batch was torn, self-healed by
	// truncation at the caller.
	return lastValidPos, nil
}
