package chm

import (
	"hash/maphash"
	"math"
	"math/bits"
	"math/rand/v2"
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/spaolacci/murmur3"

	"github.com/llxisdsh/chm/internal/opt"
)

// ============================================================================
// Constants
// ============================================================================

// cacheLineSize is the size of a cache line in bytes.
const cacheLineSize = opt.CacheLineSize_

const (
	// DefaultInitialCapacity is the number of entries a map constructed
	// without WithInitialCapacity can hold before the table grows.
	DefaultInitialCapacity = 16

	// DefaultLoadFactor is the entry-count to bucket-count ratio above
	// which the table is doubled.
	DefaultLoadFactor = 0.75
)

const (
	// minTableLen: minimum number of buckets
	minTableLen = 16
	// minBucketsPerChunk: lower bound on the bucket range a single
	// resize helper claims at a time
	minBucketsPerChunk = 16
	// minCounterLen, maxCounterLen: bounds on size counter striping
	minCounterLen = 8
	maxCounterLen = 128
)

// ============================================================================
// Private struct definitions
// ============================================================================

// counterStripe is one cell of the striped entry counter. Padding keeps
// each stripe on its own cache line so concurrent writers on different
// buckets do not false-share.
type counterStripe struct {
	c atomic.Int64
	_ [(cacheLineSize - unsafe.Sizeof(atomic.Int64{})%cacheLineSize) % cacheLineSize]byte
}

// noCopy may be embedded into structs which must not be copied
// after the first use.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// ============================================================================
// Sizing helpers
// ============================================================================

// calcTableLen returns the bucket count for a map expected to hold
// capacity entries at the given load factor, rounded up to a power of
// two and floored at minTableLen.
func calcTableLen(capacity int, loadFactor float64) int {
	need := int(math.Ceil(float64(capacity) / loadFactor))
	n := nextPowOf2(need)
	if n < minTableLen {
		n = minTableLen
	}
	return n
}

func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// calcChunks splits tableLen buckets into copy chunks so a resize can
// be driven by several cooperating goroutines.
func calcChunks(tableLen, cpus int) (chunkSz, chunks int) {
	chunks = min(cpus, tableLen/minBucketsPerChunk)
	if chunks < 1 {
		chunks = 1
	}
	chunkSz = (tableLen + chunks - 1) / chunks
	chunks = (tableLen + chunkSz - 1) / chunkSz
	return chunkSz, chunks
}

// calcSizeLen returns the counter stripe count for a table of the given
// length.
func calcSizeLen(tableLen int) int {
	n := tableLen >> 10
	if n < minCounterLen {
		n = minCounterLen
	} else if n > maxCounterLen {
		n = maxCounterLen
	}
	return nextPowOf2(n)
}

// ============================================================================
// Hashing and equality
// ============================================================================

// newSeed returns the per-map hash seed, randomized so bucket layout
// differs between instances.
func newSeed() uint64 {
	return rand.Uint64()
}

// StringHasher hashes a string key with murmur3, mixed with the per-map
// seed. It is the built-in hasher for string keys; it can also be
// passed to WithKeyHasher explicitly, e.g. wrapped for named string
// types.
func StringHasher(key string, seed uint64) uint64 {
	return mix64(murmur3.Sum64(unsafe.Slice(unsafe.StringData(key), len(key))), seed)
}

// mix64 folds seed into h and avalanches the result
// (murmur3 finalizer constants).
func mix64(h, seed uint64) uint64 {
	h ^= seed
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// defaultHasher picks the built-in hash function for K: murmur3 for
// string keys, hash/maphash for every other comparable type.
func defaultHasher[K comparable]() func(K, uint64) uint64 {
	var zero K
	if _, ok := any(zero).(string); ok {
		return func(key K, seed uint64) uint64 {
			return StringHasher(any(key).(string), seed)
		}
	}
	mhSeed := maphash.MakeSeed()
	return func(key K, _ uint64) uint64 {
		return maphash.Comparable(mhSeed, key)
	}
}

// defaultEqual returns the built-in equality function for V, or nil if
// V is not a comparable type. Comparing interface values whose dynamic
// type is not comparable still panics, as with the == operator.
func defaultEqual[V any]() func(V, V) bool {
	var zero V
	if reflect.TypeOf(&zero).Elem().Comparable() {
		return func(a, b V) bool { return any(a) == any(b) }
	}
	return nil
}

// ============================================================================
// Entry lookup
// ============================================================================

// findEntry locates key in a hash-ordered entry slice, or -1.
func findEntry[K comparable, V any](es []entry[K, V], hash uint64, key K) int {
	for i := lowerBound(es, hash); i < len(es) && es[i].hash == hash; i++ {
		if es[i].key == key {
			return i
		}
	}
	return -1
}

// lowerBound returns the index of the first entry with es[i].hash >= hash.
func lowerBound[K comparable, V any](es []entry[K, V], hash uint64) int {
	lo, hi := 0, len(es)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if es[mid].hash < hash {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the index of the first entry with es[i].hash > hash.
// Inserting there keeps equal-hash runs in insertion order.
func upperBound[K comparable, V any](es []entry[K, V], hash uint64) int {
	lo, hi := 0, len(es)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if es[mid].hash <= hash {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
