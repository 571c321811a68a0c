package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// On-disk block framing: flag(1) | payloadLen(u32) | payload | crc32(u32).
// flag is 0 for raw, 1 for snappy-compressed payload. The checksum
// covers the (possibly compressed) payload.
const (
	blockFlagRaw    byte = 0
	blockFlagSnappy byte = 1
)

// encodeRecords serializes records into the raw, uncompressed block body:
// keyLen(u32) | key | seqno(u64) | type(u8) | valueLen(u32) | value, repeated.
func encodeRecords(records []Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Key)))
		buf.Write(lenBuf[:])
		buf.Write(r.Key)

		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], r.Seqno)
		buf.Write(seqBuf[:])

		buf.WriteByte(byte(r.Type))

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Value)))
		buf.Write(lenBuf[:])
		buf.Write(r.Value)
	}
	return buf.Bytes()
}

// decodeRecords parses a raw block body back into records.
func decodeRecords(raw []byte) ([]Record, error) {
	r := bytes.NewReader(raw)
	var out []Record
	for r.Len() > 0 {
		rec, err := decodeOneRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeOneRecord(r *bytes.Reader) (Record, error) {
	var rec Record

	keyLen, err := readU32(r)
	if err != nil {
		return rec, fmt.Errorf("segment: read key length: %w", err)
	}
	rec.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.Key); err != nil {
		return rec, fmt.Errorf("segment: read key: %w", err)
	}

	var seqBuf [8]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return rec, fmt.Errorf("segment: read seqno: %w", err)
	}
	rec.Seqno = binary.BigEndian.Uint64(seqBuf[:])

	typeByte, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("segment: read value type: %w", err)
	}
	rec.Type = ValueType(typeByte)

	valLen, err := readU32(r)
	if err != nil {
		return rec, fmt.Errorf("segment: read value length: %w", err)
	}
	rec.Value = make([]byte, valLen)
	if _, err := io.ReadFull(r, rec.Value); err != nil {
		return rec, fmt.Errorf("segment: read value: %w", err)
	}

	return rec, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// encodeBlock renders the on-disk framed form of a block, optionally
// snappy-compressing the payload (Options.Compress).
func encodeBlock(records []Record, compress bool) []byte {
	raw := encodeRecords(records)

	flag := blockFlagRaw
	payload := raw
	if compress {
		payload = snappy.Encode(nil, raw)
		flag = blockFlagSnappy
	}

	var out bytes.Buffer
	out.WriteByte(flag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out.Write(lenBuf[:])
	out.Write(payload)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	out.Write(crcBuf[:])

	return out.Bytes()
}

// decodeBlock reverses encodeBlock, verifying the checksum and
// decompressing if needed.
func decodeBlock(framed []byte) ([]Record, error) {
	if len(framed) < 1+4+4 {
		return nil, fmt.Errorf("segment: block too short to frame")
	}
	flag := framed[0]
	payloadLen := binary.BigEndian.Uint32(framed[1:5])
	payloadStart := 5
	payloadEnd := payloadStart + int(payloadLen)
	if payloadEnd+4 > len(framed) {
		return nil, fmt.Errorf("segment: block payload length out of range")
	}
	payload := framed[payloadStart:payloadEnd]
	crc := binary.BigEndian.Uint32(framed[payloadEnd : payloadEnd+4])
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("segment: block checksum mismatch")
	}

	raw := payload
	if flag == blockFlagSnappy {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("segment: snappy decode: %w", err)
		}
		raw = decoded
	}

	return decodeRecords(raw)
}
