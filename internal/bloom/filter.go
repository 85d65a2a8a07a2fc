// Package bloom provides per-column membership filters used to decide
// whether a spilled partition can possibly contain a value. A filter never
// reports a false negative, so pruning on it never skips a matching
// partition.
package bloom

import (
	"math"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/tessera-etl/tessera/pkg/types"
)

// Filter is a bloom filter over canonicalized column values.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64 // number of items added
}

// New creates a Filter with the specified number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	// Round up to whole 64-bit words
	numWords := (numBits + 63) / 64
	actualBits := uint64(numWords * 64)

	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   actualBits,
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a Filter sized for the expected number of items
// and target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters calculates the optimal number of bits and hash functions
// for a given expected number of items and target false positive rate.
//
// The formulas are:
//   - m = -n * ln(p) / (ln(2)^2)  where m = bits, n = items, p = FPR
//   - k = (m/n) * ln(2)           where k = hash functions
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	ln2 := math.Ln2

	m := -n * math.Log(targetFPR) / (ln2 * ln2)
	numBits = int(math.Ceil(m))

	k := (m / n) * ln2
	numHashes = int(math.Ceil(k))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}

	return numBits, numHashes
}

// Add adds a raw item to the filter.
func (f *Filter) Add(item []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h1, h2 := hash128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		f.setBit((h1 + i*h2) % f.numBits)
	}
	f.count++
}

// AddValue adds a column value to the filter.
func (f *Filter) AddValue(v types.Value) {
	f.Add(valueBytes(v))
}

// Contains reports whether a raw item might be in the filter. A true result
// may be a false positive; a false result is definite.
func (f *Filter) Contains(item []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h1, h2 := hash128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		if !f.getBit((h1 + i*h2) % f.numBits) {
			return false
		}
	}
	return true
}

// MightContain reports whether a column value might be in the filter.
func (f *Filter) MightContain(v types.Value) bool {
	return f.Contains(valueBytes(v))
}

// valueBytes canonicalizes a value for hashing. Int and float values that
// compare equal must hash identically, so all numerics canonicalize through
// float64. Collisions this introduces only widen false positives.
func valueBytes(v types.Value) []byte {
	switch v.Kind {
	case types.KindInt, types.KindFloat:
		fv, _ := v.AsFloat()
		return []byte(strconv.FormatFloat(fv, 'g', -1, 64))
	case types.KindBool:
		if v.Bool {
			return []byte("true")
		}
		return []byte("false")
	case types.KindString:
		return []byte(v.Str)
	case types.KindTime:
		return []byte(strconv.FormatInt(v.Time.UnixNano(), 10))
	default:
		return []byte("<NULL>")
	}
}

// hash128 computes a murmur3 128-bit hash split into two 64-bit values.
func hash128(item []byte) (uint64, uint64) {
	h := murmur3.New128()
	h.Write(item)
	return h.Sum128()
}

func (f *Filter) setBit(pos uint64) {
	f.bits[pos/64] |= 1 << (pos % 64)
}

func (f *Filter) getBit(pos uint64) bool {
	return f.bits[pos/64]&(1<<(pos%64)) != 0
}

// NumBits returns the number of bits in the filter.
func (f *Filter) NumBits() int {
	return int(f.numBits)
}

// NumHashes returns the number of hash functions used.
func (f *Filter) NumHashes() int {
	return int(f.numHashes)
}

// Count returns the number of items added to the filter.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// FalsePositiveRate estimates the current false positive rate from the fill
// ratio: (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return 0
	}

	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
