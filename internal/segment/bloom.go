package segment

import (
	"errors"
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic set membership test: false positives are
// possible, false negatives are not. Reader.Get and MappedReader.Get consult one before
// touching the sparse index, so a miss never costs a disk read.
type BloomFilter struct {
	bits      []bool
	size      int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems keys at the given false
// positive rate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / float64(expectedItems)) * math.Ln2))

	const maxSize = 1_000_000_000
	if size > maxSize {
		size = maxSize
	}
	if size < 1 {
		size = 1
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 100 {
		hashCount = 100
	}

	return &BloomFilter{bits: make([]bool, size), size: size, hashCount: hashCount}
}

func (bf *BloomFilter) Add(key []byte) {
	for i := 0; i < bf.hashCount; i++ {
		bf.bits[bf.hash(key, i)] = true
	}
}

// MayContain returns false only when the key is definitely absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	for i := 0; i < bf.hashCount; i++ {
		if !bf.bits[bf.hash(key, i)] {
			return false
		}
	}
	return true
}

// hash implements double hashing: hash(key, i) = (h1 + i*h2) % size, with
// h1 and h2 drawn from two independently seeded fnv-1a sums.
func (bf *BloomFilter) hash(key []byte, i int) int {
	h1 := fnv.New64a()
	_, _ = h1.Write(key)
	hash1 := h1.Sum64()

	h2 := fnv.New64a()
	_, _ = h2.Write(key)
	_, _ = h2.Write([]byte{0xFF})
	hash2 := h2.Sum64()
	if hash2%2 == 0 {
		hash2++
	}

	combined := hash1 + uint64(i)*hash2
	return int(combined % uint64(bf.size))
}

func (bf *BloomFilter) Size() int      { return bf.size }
func (bf *BloomFilter) HashCount() int { return bf.hashCount }

// ErrIncompatibleFilters is returned by Merge when sizing parameters differ.
var ErrIncompatibleFilters = errors.New("segment: incompatible bloom filters")

// Merge ORs another filter's bits into this one; both must share size and
// hash count, which holds for filters built from the same entry-count
// estimate.
func (bf *BloomFilter) Merge(other *BloomFilter) error {
	if bf.size != other.size || bf.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}
	for i := range bf.bits {
		bf.bits[i] = bf.bits[i] || other.bits[i]
	}
	return nil
}

// MarshalBinary packs the filter into 8-bits-per-byte form for the segment
// footer.
func (bf *BloomFilter) MarshalBinary() []byte {
	data := make([]byte, (bf.size+7)/8)
	for i := 0; i < bf.size; i++ {
		if bf.bits[i] {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	for i := 0; i < bf.size && i/8 < len(data); i++ {
		bf.bits[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return nil
}
