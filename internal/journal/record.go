// Package journal implements the write-ahead log: an
// append-only, CRC-framed stream of batch markers split across shards,
// with a shard lock serializing writers and a recovery state machine that
// tolerates a torn tail but treats any other corruption as fatal.
package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// ValueType distinguishes a live write from a tombstone on the wire.
type ValueType uint8

const (
	Live ValueType = iota
	Tombstone
)

const (
	markerStart uint8 = 0x00
	markerItem  uint8 = 0x01
	markerEnd   uint8 = 0x02
)

// Item is one write within a batch, framed on disk as
// `0x01 | len-prefixed partition | len-prefixed key | u8 value_type | len-prefixed value`.
type Item struct {
	Partition string
	Key       []byte
	Value     []byte
	Type      ValueType
}

// Batch is a set of items sharing one sequence number, written
// atomically under a single shard lock.
type Batch struct {
	Seqno uint64
	Items []Item
}

func putLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// encodeItems serializes the Item records of a batch (exclusive of the
// Start/End framing) so the result can both be written to the shard and
// CRC32'd.
func encodeItems(items []Item) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteByte(markerItem)
		putLenPrefixed(&buf, []byte(it.Partition))
		putLenPrefixed(&buf, it.Key)
		buf.WriteByte(byte(it.Type))
		putLenPrefixed(&buf, it.Value)
	}
	return buf.Bytes()
}

// encodeBatch renders a full Start/Item*/End record ready to append to a
// shard file.
func encodeBatch(b Batch) []byte {
	itemBytes := encodeItems(b.Items)

	var out bytes.Buffer
	out.WriteByte(markerStart)
	var itemCount [4]byte
	binary.BigEndian.PutUint32(itemCount[:], uint32(len(b.Items)))
	out.Write(itemCount[:])
	var seqnoBuf [8]byte
	binary.BigEndian.PutUint64(seqnoBuf[:], b.Seqno)
	out.Write(seqnoBuf[:])

	out.Write(itemBytes)

	out.WriteByte(markerEnd)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(itemBytes))
	out.Write(crcBuf[:])

	return out.Bytes()
}
