package sstable

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set-membership structure attached to
// every SSTable (spec §4.F): false positives are possible, false
// negatives are not, so a MayContain()==false short-circuits a read
// without touching disk. Ported from the teacher's FNV-based filter
// (pkg/lsm/bloom.go) onto xxhash double-hashing, since xxhash is
// already the module's hash of record for the segmented lock manager
// and the shard router — one hash family instead of two.
type BloomFilter struct {
	bits      []bool
	size      int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems entries at the given
// false-positive rate, using the standard m = -(n ln p) / (ln2)^2,
// k = (m/n) ln2 formulas.
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
	h1, h2 := bf.seedHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bf.bits[bf.slot(h1, h2, i)] = true
	}
}

// MayContain returns false only when key is definitely absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.seedHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		if !bf.bits[bf.slot(h1, h2, i)] {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) seedHashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(append([]byte(nil), key...), 0xFF))
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

func (bf *BloomFilter) slot(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % uint64(bf.size)
}

func (bf *BloomFilter) Size() int      { return bf.size }
func (bf *BloomFilter) HashCount() int { return bf.hashCount }

// MarshalBinary packs the filter into a byte slice, 8 bits per byte.
func (bf *BloomFilter) MarshalBinary() []byte {
	data := make([]byte, (bf.size+7)/8)
	for i := 0; i < bf.size; i++ {
		if bf.bits[i] {
			data[i/8] |= 1 << uint(i%8)
		}
	}
	return data
}

// UnmarshalBinaryInto reconstructs a filter of the given size/hashCount
// from its packed bit data.
func UnmarshalBinaryInto(size, hashCount int, data []byte) *BloomFilter {
	bf := &BloomFilter{bits: make([]bool, size), size: size, hashCount: hashCount}
	for i := 0; i < size && i/8 < len(data); i++ {
		bf.bits[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return bf
}
